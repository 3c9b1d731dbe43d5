package state

import "time"

// RunStatus classifies one scheduled run.
type RunStatus string

const (
	// StatusCompleted: every job succeeded.
	StatusCompleted RunStatus = "completed"
	// StatusFailed: no job succeeded.
	StatusFailed RunStatus = "failed"
	// StatusPartial: some jobs succeeded, some failed.
	StatusPartial RunStatus = "partial"
)

// HistoryLimit caps retained run records; oldest entries are evicted first.
const HistoryLimit = 100

// JobRunResult is the terminal attempt's outcome for one job in one run.
type JobRunResult struct {
	JobName      string    `json:"jobName"`
	Success      bool      `json:"success"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime"`
	DurationMS   int64     `json:"durationMs"`
	ExitCode     int       `json:"exitCode"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempt      int       `json:"attempt"`
}

// RunRecord is the immutable record of one scheduled run.
type RunRecord struct {
	RunID         string         `json:"runId"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	DurationMS    int64          `json:"durationMs"`
	JobsProcessed []JobRunResult `json:"jobsProcessed"`
	Status        RunStatus      `json:"status"`
}

// SupervisorState is the single unit of crash-recoverable truth.
//
// It is mutated only by the run goroutine and persisted wholesale after every
// transition (run start, per-job progress, run end, shutdown). Nullable fields
// are pointers so they serialize to JSON null.
type SupervisorState struct {
	LastRunStartTime *time.Time  `json:"lastRunStartTime"`
	LastRunEndTime   *time.Time  `json:"lastRunEndTime"`
	NextScheduledRun *time.Time  `json:"nextScheduledRun"`
	IsRunning        bool        `json:"isRunning"`
	CurrentJob       *string     `json:"currentJob"`
	RunHistory       []RunRecord `json:"runHistory"`
}

// New returns the documented default state (fresh history, idle).
func New() *SupervisorState {
	return &SupervisorState{RunHistory: []RunRecord{}}
}

// AppendRun prepends rec (newest first) and evicts beyond HistoryLimit.
func (s *SupervisorState) AppendRun(rec RunRecord) {
	s.RunHistory = append([]RunRecord{rec}, s.RunHistory...)
	if len(s.RunHistory) > HistoryLimit {
		s.RunHistory = s.RunHistory[:HistoryLimit]
	}
}

// StatusFor derives the run status from per-job outcomes.
func StatusFor(results []JobRunResult) RunStatus {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return StatusCompleted
	case ok == 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}
