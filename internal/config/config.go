// Package config loads and validates the schedule definition.
//
// The definition is read exactly once at startup and is immutable for the
// process lifetime; there is no hot-reload of the schedule. Both YAML and JSON
// are accepted (YAML is coerced to JSON and strict-decoded so unknown fields
// are rejected in either format).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults applied when optional fields are absent.
const (
	DefaultMaxRetries          = 3
	DefaultRetryDelayMS        = 60_000
	DefaultProcessTimeoutMS    = 1_800_000
	DefaultInactivityTimeoutMS = 600_000
	DefaultDataDir             = "data"
	DefaultStatePath           = "state/supervisor.json"
	DefaultAuditDriver         = "file"
	DefaultAuditPath           = "state/audit"
)

// JobSpec identifies one independently schedulable unit of work.
type JobSpec struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// Command optionally overrides the top-level command for this job.
	Command []string `json:"command,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console *bool         `json:"console,omitempty"` // nil means true
	File    FileLogConfig `json:"file,omitempty"`
}

// AuditConfig selects the attempt-audit backend.
// Driver values: "file" (JSONL, default), "sqlite", "none".
type AuditConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Config is the schedule definition.
type Config struct {
	// IntervalHours is the fixed trigger interval. Required, > 0.
	IntervalHours float64 `json:"intervalHours"`

	// Schedule is an optional standard cron expression. When set it overrides
	// the fixed interval for computing activation times; IntervalHours is
	// still required and validated so the definition stays portable.
	Schedule string `json:"schedule,omitempty"`

	// MaxRetries is a pointer so an explicit 0 is rejected rather than
	// silently replaced by the default.
	MaxRetries   *int `json:"maxRetries,omitempty"`
	RetryDelayMS int  `json:"retryDelayMs,omitempty"`

	// ProcessTimeoutMS is loaded and validated but advisory only; no wall-clock
	// cap is enforced against total job duration. Only the inactivity timeout
	// terminates jobs.
	ProcessTimeoutMS    int `json:"processTimeoutMs,omitempty"`
	InactivityTimeoutMS int `json:"inactivityTimeoutMs,omitempty"`

	// Command launches a job; the job name travels via the environment, never
	// argv. Per-job overrides live on JobSpec.
	Command []string `json:"command,omitempty"`

	// DataDir holds per-job working storage (DataDir/<job name>).
	DataDir string `json:"dataDir,omitempty"`

	// StatePath is the supervisor state file.
	StatePath string `json:"statePath,omitempty"`

	Jobs []JobSpec `json:"jobs"`

	Logging LoggingConfig `json:"logging,omitempty"`
	Audit   AuditConfig   `json:"audit,omitempty"`

	cronSched cron.Schedule
}

// Load reads, strict-decodes, validates and defaults the schedule definition
// at path. Any error here is fatal for the supervisor.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule definition: %w", err)
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates raw definition bytes. The path is only used to
// pick the format by extension.
func Parse(path string, data []byte) (*Config, error) {
	jb, _, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid schedule definition: trailing data")
		}
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.IntervalHours <= 0 {
		return fmt.Errorf("intervalHours: must be > 0")
	}
	if len(c.Jobs) == 0 {
		return fmt.Errorf("jobs: at least one job is required")
	}
	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d].name: must not be empty", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d].name: duplicate job %q", i, name)
		}
		seen[name] = true
		if j.Enabled && len(j.Command) == 0 && len(c.Command) == 0 {
			return fmt.Errorf("jobs[%d] (%s): no command configured and no top-level command to fall back to", i, name)
		}
	}
	if c.MaxRetries != nil && *c.MaxRetries < 1 {
		return fmt.Errorf("maxRetries: must be >= 1")
	}
	if c.RetryDelayMS < 0 {
		return fmt.Errorf("retryDelayMs: must be >= 0")
	}
	if c.ProcessTimeoutMS < 0 {
		return fmt.Errorf("processTimeoutMs: must be >= 0")
	}
	if c.InactivityTimeoutMS < 0 {
		return fmt.Errorf("inactivityTimeoutMs: must be >= 0")
	}
	if s := strings.TrimSpace(c.Schedule); s != "" {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return fmt.Errorf("schedule: invalid cron expression %q: %w", s, err)
		}
		c.cronSched = sched
	}
	switch strings.ToLower(strings.TrimSpace(c.Audit.Driver)) {
	case "", "file", "sqlite", "sqlite3", "none":
	default:
		return fmt.Errorf("audit.driver: unknown driver %q", c.Audit.Driver)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == nil {
		v := DefaultMaxRetries
		c.MaxRetries = &v
	}
	if c.RetryDelayMS == 0 {
		c.RetryDelayMS = DefaultRetryDelayMS
	}
	if c.ProcessTimeoutMS == 0 {
		c.ProcessTimeoutMS = DefaultProcessTimeoutMS
	}
	if c.InactivityTimeoutMS == 0 {
		c.InactivityTimeoutMS = DefaultInactivityTimeoutMS
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(c.StatePath) == "" {
		c.StatePath = DefaultStatePath
	}
	if strings.TrimSpace(c.Audit.Driver) == "" {
		c.Audit.Driver = DefaultAuditDriver
	}
	if strings.TrimSpace(c.Audit.Path) == "" {
		c.Audit.Path = DefaultAuditPath
	}
	if c.Logging.Console == nil {
		on := true
		c.Logging.Console = &on
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "INFO"
	}
}

// Interval converts intervalHours to a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalHours * float64(time.Hour))
}

// Retries returns the per-job attempt cap (defaulted by applyDefaults).
func (c *Config) Retries() int { return *c.MaxRetries }

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func (c *Config) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMS) * time.Millisecond
}

// ProcessTimeout is advisory; see ProcessTimeoutMS.
func (c *Config) ProcessTimeout() time.Duration {
	return time.Duration(c.ProcessTimeoutMS) * time.Millisecond
}

// CronSchedule returns the parsed optional cron schedule, or nil when the
// fixed interval is in effect.
func (c *Config) CronSchedule() cron.Schedule { return c.cronSched }

// CommandFor resolves the launch command for a job.
func (c *Config) CommandFor(j JobSpec) []string {
	if len(j.Command) > 0 {
		return j.Command
	}
	return c.Command
}

// EnabledJobs returns the enabled jobs in definition order.
func (c *Config) EnabledJobs() []JobSpec {
	out := make([]JobSpec, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}
