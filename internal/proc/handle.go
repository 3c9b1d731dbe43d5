package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "harvestd/pkg/logx"
)

// EnvJobName carries the job's name into the spawned process.
const EnvJobName = "HARVESTD_JOB"

// DefaultTermGrace is how long a process group gets to exit after the polite
// interrupt before the kill is unconditional.
const DefaultTermGrace = 5 * time.Second

// Output forwarding caps. Dropped lines still count as activity.
const (
	defaultForwardRate  = rate.Limit(20)
	defaultForwardBurst = 40
	maxLineBytes        = 256 * 1024
)

// Reason records why the supervisor terminated a process. Empty means the
// process exited on its own.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonInactivity Reason = "inactivity"
	ReasonShutdown   Reason = "shutdown"
)

// Result is the terminal outcome of one spawned process.
type Result struct {
	ExitCode int
	Success  bool
	Reason   Reason
}

type StartOptions struct {
	// Name is the job name, delivered via EnvJobName.
	Name string
	// Command is the program and its arguments.
	Command []string
	// Dir is the working directory for the process (optional).
	Dir string
	// Env are extra KEY=VALUE entries appended to the inherited environment.
	Env []string

	Log     logx.Logger
	Spawner Spawner

	// TermGrace overrides DefaultTermGrace (tests use short windows).
	TermGrace time.Duration
	// ForwardRate overrides the per-second cap on forwarded output lines.
	ForwardRate rate.Limit
}

// Handle supervises one running job process.
type Handle struct {
	name    string
	cmd     *exec.Cmd
	log     logx.Logger
	spawner Spawner

	termGrace time.Duration
	limiter   *rate.Limiter

	// lastActivity is unix nanos of the most recent output line (or the spawn
	// time before any output). Single writer per stream, read by the monitor.
	lastActivity atomic.Int64
	terminating  atomic.Bool

	reasonMu sync.Mutex
	reason   Reason

	readers sync.WaitGroup

	done   chan struct{}
	result Result // written once, before done is closed
}

// Start spawns the job process. A non-nil error means the process could not
// be created at all (missing executable, bad working directory, ...) — a
// failure mode distinct from a nonzero exit, though both count as job failure.
func Start(opts StartOptions) (*Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("proc: empty command")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", opts.Name))

	grace := opts.TermGrace
	if grace <= 0 {
		grace = DefaultTermGrace
	}
	fwd := opts.ForwardRate
	if fwd <= 0 {
		fwd = defaultForwardRate
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), EnvJobName+"="+opts.Name)
	cmd.Env = append(cmd.Env, opts.Env...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("proc: stderr pipe: %w", err)
	}

	h := &Handle{
		name:      opts.Name,
		cmd:       cmd,
		log:       log,
		spawner:   opts.Spawner,
		termGrace: grace,
		limiter:   rate.NewLimiter(fwd, defaultForwardBurst),
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: spawn %q: %w", opts.Command[0], err)
	}
	h.lastActivity.Store(time.Now().UnixNano())
	log.Debug("process started", logx.Int("pid", cmd.Process.Pid))

	h.readers.Add(2)
	h.spawn("proc.stdout."+opts.Name, func() { h.scanStream(stdout, "stdout") })
	h.spawn("proc.stderr."+opts.Name, func() { h.scanStream(stderr, "stderr") })
	h.spawn("proc.wait."+opts.Name, h.waitLoop)

	return h, nil
}

// LastActivity is the time of the most recent output line.
func (h *Handle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// Done closes when the process has exited and the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result is valid once Done is closed.
func (h *Handle) Result() Result {
	<-h.done
	return h.result
}

// Terminate requests a graceful stop of the whole process group and arms the
// kill escalation. It is idempotent; the first caller's reason is the one
// carried into the result.
func (h *Handle) Terminate(reason Reason) {
	if !h.terminating.CompareAndSwap(false, true) {
		return
	}
	h.setReason(reason)
	h.log.Info("terminating process group", logx.String("reason", string(reason)))
	if err := terminateTree(h.cmd); err != nil {
		h.log.Warn("interrupt failed", logx.Err(err))
	}
	h.spawn("proc.escalate."+h.name, func() {
		select {
		case <-h.done:
		case <-time.After(h.termGrace):
			h.log.Warn("grace window expired; killing process group", logx.Duration("grace", h.termGrace))
			if err := killTree(h.cmd); err != nil {
				h.log.Warn("kill failed", logx.Err(err))
			}
		}
	})
}

// Kill is the unconditional variant. It keeps the first recorded reason.
func (h *Handle) Kill(reason Reason) {
	h.terminating.Store(true)
	h.setReason(reason)
	h.log.Warn("killing process group", logx.String("reason", string(reason)))
	if err := killTree(h.cmd); err != nil {
		h.log.Warn("kill failed", logx.Err(err))
	}
}

func (h *Handle) setReason(r Reason) {
	h.reasonMu.Lock()
	if h.reason == ReasonNone {
		h.reason = r
	}
	h.reasonMu.Unlock()
}

func (h *Handle) getReason() Reason {
	h.reasonMu.Lock()
	defer h.reasonMu.Unlock()
	return h.reason
}

func (h *Handle) scanStream(r io.Reader, stream string) {
	defer h.readers.Done()

	dropped := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		h.lastActivity.Store(time.Now().UnixNano())
		if !h.limiter.Allow() {
			dropped++
			continue
		}
		line := sc.Text()
		if stream == "stderr" {
			h.log.Warn("job output", logx.String("stream", stream), logx.String("line", line))
		} else {
			h.log.Info("job output", logx.String("stream", stream), logx.String("line", line))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.log.Debug("output stream closed", logx.String("stream", stream), logx.Err(err))
	}
	if dropped > 0 {
		h.log.Warn("job output lines not forwarded (rate limit)", logx.String("stream", stream), logx.Int("dropped", dropped))
	}
}

// waitLoop reaps the process after both readers hit EOF, then publishes the
// result and closes done.
func (h *Handle) waitLoop() {
	h.readers.Wait()
	err := h.cmd.Wait()

	res := Result{ExitCode: 0, Success: err == nil, Reason: h.getReason()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}
	h.result = res
	close(h.done)

	h.log.Debug("process exited",
		logx.Int("exit_code", res.ExitCode),
		logx.Bool("success", res.Success),
		logx.String("reason", string(res.Reason)))
}
