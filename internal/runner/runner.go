// Package runner wraps a single job execution with bounded retry-with-delay
// semantics. All per-job failures are absorbed here up to MaxRetries;
// exhaustion surfaces as a failed JobRunResult, never as a supervisor error.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"harvestd/internal/proc"
	"harvestd/internal/state"
	"harvestd/internal/storage"
	logx "harvestd/pkg/logx"
)

type Runner struct {
	Log     logx.Logger
	Audit   storage.Store // nil disables the attempt audit trail
	Spawner proc.Spawner

	MaxRetries        int
	RetryDelay        time.Duration
	InactivityTimeout time.Duration
	MonitorCadence    time.Duration // 0 means proc.DefaultCheckCadence
	TermGrace         time.Duration // 0 means proc.DefaultTermGrace

	// DataDir holds per-job working storage; DataDir/<job> is created before a
	// job's first attempt. This is the one piece of environment setup done on
	// a job's behalf.
	DataDir string

	// Env are extra KEY=VALUE entries handed to every job process.
	Env []string

	// Track reports the currently in-flight handle (nil after it exits) so the
	// shutdown coordinator can reach it.
	Track func(h *proc.Handle)
}

// RunJob attempts the job up to MaxRetries times and returns the terminal
// attempt's result: the first success, or the last failure with an
// explanatory message once retries are exhausted. The retry delay is a
// shutdown-responsive idle point; an attempt already in flight is always
// waited out.
func (r *Runner) RunJob(ctx context.Context, runID, job string, command []string) state.JobRunResult {
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("job", job), logx.String("run_id", runID))

	maxAttempts := r.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	if dir := r.workDir(job); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("cannot create job working storage", logx.String("dir", dir), logx.Err(err))
			res := failedResult(job, 1, fmt.Sprintf("working storage unavailable: %v", err))
			r.audit(ctx, runID, res, storage.ReasonSpawn)
			return res
		}
	}

	var last state.JobRunResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, reason := r.attempt(ctx, log, job, command, attempt)
		r.audit(ctx, runID, res, reason)

		if res.Success {
			log.Info("job attempt succeeded",
				logx.Int("attempt", attempt),
				logx.Int64("took_ms", res.DurationMS))
			return res
		}
		log.Warn("job attempt failed",
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", maxAttempts),
			logx.Int("exit_code", res.ExitCode),
			logx.String("reason", reason),
			logx.String("err", res.ErrorMessage))
		last = res

		if attempt == maxAttempts {
			break
		}
		if ctx.Err() != nil {
			log.Info("shutdown requested; not retrying job", logx.Int("attempt", attempt))
			return last
		}
		if r.RetryDelay > 0 {
			log.Debug("waiting before retry", logx.Duration("delay", r.RetryDelay))
			tmr := time.NewTimer(r.RetryDelay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				log.Info("shutdown requested during retry delay; not retrying job")
				return last
			case <-tmr.C:
			}
		}
	}

	last.ErrorMessage = fmt.Sprintf("failed after %d attempts: %s", maxAttempts, last.ErrorMessage)
	return last
}

func (r *Runner) workDir(job string) string {
	if r.DataDir == "" {
		return ""
	}
	return filepath.Join(r.DataDir, job)
}

func (r *Runner) attempt(ctx context.Context, log logx.Logger, job string, command []string, attempt int) (state.JobRunResult, string) {
	start := time.Now()

	// No new process once shutdown has begun; the window between the
	// orchestrator's own check and this one is otherwise wide enough to
	// orphan a job.
	if ctx.Err() != nil {
		res := failedResult(job, attempt, "terminated by supervisor shutdown")
		return res, storage.ReasonShutdown
	}

	h, err := proc.Start(proc.StartOptions{
		Name:      job,
		Command:   command,
		Dir:       r.workDir(job),
		Env:       r.Env,
		Log:       log,
		Spawner:   r.Spawner,
		TermGrace: r.TermGrace,
	})
	if err != nil {
		// Could not even create the process. Distinct from a nonzero exit,
		// but equally retryable.
		log.Error("job process could not be spawned", logx.Int("attempt", attempt), logx.Err(err))
		res := failedResult(job, attempt, err.Error())
		res.StartTime = start
		res.EndTime = time.Now()
		res.DurationMS = res.EndTime.Sub(start).Milliseconds()
		return res, storage.ReasonSpawn
	}

	if r.Track != nil {
		r.Track(h)
		defer r.Track(nil)
	}

	monitor := func() { proc.Watch(ctx, h, r.InactivityTimeout, r.MonitorCadence, log) }
	if r.Spawner != nil {
		r.Spawner.Go("proc.monitor."+job, monitor)
	} else {
		go monitor()
	}

	// Block until the process exits. Shutdown never abandons an in-flight
	// job; the coordinator terminates the handle instead.
	pres := h.Result()
	end := time.Now()

	res := state.JobRunResult{
		JobName:    job,
		Success:    pres.Success,
		StartTime:  start,
		EndTime:    end,
		DurationMS: end.Sub(start).Milliseconds(),
		ExitCode:   pres.ExitCode,
		Attempt:    attempt,
	}
	reason := storage.ReasonExit
	switch pres.Reason {
	case proc.ReasonInactivity:
		reason = storage.ReasonInactivity
	case proc.ReasonShutdown:
		reason = storage.ReasonShutdown
	}
	// A job can trap the interrupt and exit cleanly inside the grace window;
	// that is a success and carries no error text. The audit reason still
	// records why it was signalled.
	if !pres.Success {
		switch pres.Reason {
		case proc.ReasonInactivity:
			res.ErrorMessage = fmt.Sprintf("killed after producing no output for %s", r.InactivityTimeout)
		case proc.ReasonShutdown:
			res.ErrorMessage = "terminated by supervisor shutdown"
		default:
			res.ErrorMessage = fmt.Sprintf("exited with code %d", pres.ExitCode)
		}
	}
	return res, reason
}

func (r *Runner) audit(ctx context.Context, runID string, res state.JobRunResult, reason string) {
	if r.Audit == nil {
		return
	}
	rec := storage.AttemptRecord{
		At:       res.EndTime,
		RunID:    runID,
		Job:      res.JobName,
		Attempt:  res.Attempt,
		Success:  res.Success,
		ExitCode: res.ExitCode,
		Reason:   reason,
		TookMS:   res.DurationMS,
		Error:    res.ErrorMessage,
	}
	// Attempts finishing during shutdown still belong in the trail.
	if err := r.Audit.AppendAttempt(context.WithoutCancel(ctx), rec); err != nil {
		r.Log.Warn("attempt audit write failed", logx.String("job", res.JobName), logx.Err(err))
	}
}

func failedResult(job string, attempt int, msg string) state.JobRunResult {
	now := time.Now()
	return state.JobRunResult{
		JobName:      job,
		Success:      false,
		StartTime:    now,
		EndTime:      now,
		ExitCode:     -1,
		ErrorMessage: msg,
		Attempt:      attempt,
	}
}
