package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"harvestd/internal/config"
	"harvestd/internal/proc"
	"harvestd/internal/runner"
	"harvestd/internal/runtime/supervisor"
	"harvestd/internal/state"
	logx "harvestd/pkg/logx"
)

// DefaultShutdownGrace bounds how long shutdown waits for an in-flight job to
// exit after the polite terminate before forcing a kill.
const DefaultShutdownGrace = 30 * time.Second

type Service struct {
	cfg   *config.Config
	log   logx.Logger
	store *state.Store
	run   *runner.Runner
	sup   *supervisor.Supervisor

	// ShutdownGrace may be lowered by tests. Zero means DefaultShutdownGrace.
	ShutdownGrace time.Duration

	// st is owned by the run goroutine; stMu only covers Snapshot copies and
	// the final shutdown write after the run goroutine has exited.
	stMu sync.Mutex
	st   *state.SupervisorState

	running atomic.Bool
	trigger chan struct{}

	activeMu sync.Mutex
	active   *proc.Handle

	started  bool
	stopOnce sync.Once
}

func New(cfg *config.Config, log logx.Logger, store *state.Store, run *runner.Runner, sup *supervisor.Supervisor) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		store:   store,
		run:     run,
		sup:     sup,
		trigger: make(chan struct{}),
	}
	run.Track = s.track
	return s
}

// Start loads persisted state (resetting a stale in-progress marker) and
// launches the loop and run goroutines. The first cycle fires immediately.
func (s *Service) Start(ctx context.Context) error {
	_ = ctx
	if s.started {
		return nil
	}
	s.started = true

	st := s.store.Load()
	s.stMu.Lock()
	s.st = st
	s.persistLocked()
	s.stMu.Unlock()

	s.log.Info("scheduler started",
		logx.Float64("interval_hours", s.cfg.IntervalHours),
		logx.String("schedule", s.cfg.Schedule),
		logx.Int("jobs", len(s.cfg.Jobs)),
		logx.Int("jobs_enabled", len(s.cfg.EnabledJobs())),
		logx.Int("max_retries", s.cfg.Retries()),
		logx.Duration("inactivity_timeout", s.cfg.InactivityTimeout()),
		// Advisory only; nothing enforces a wall-clock cap on a job.
		logx.Duration("process_timeout", s.cfg.ProcessTimeout()),
		logx.Int("history", len(st.RunHistory)))

	s.sup.Go0("scheduler.run", s.runLoop)
	s.sup.Go0("scheduler.loop", s.loop)
	return nil
}

// Stop coordinates graceful shutdown. Idempotent; a second call while one is
// in progress is a no-op. The trigger is disarmed, an in-flight job gets the
// polite terminate and a bounded grace to exit (then a forced kill), and the
// final idle state is persisted.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.log.Info("shutdown requested")

		// Disarms the trigger and wakes any retry-delay wait.
		s.sup.Cancel()

		grace := s.ShutdownGrace
		if grace <= 0 {
			grace = DefaultShutdownGrace
		}

		// The run goroutine may be mid-spawn when the cancel lands, so the
		// in-flight handle is polled rather than read once: whatever appears
		// gets the polite terminate, and anything still alive past the grace
		// is killed outright.
		waitDone := make(chan error, 1)
		go func() { waitDone <- s.sup.Wait(context.Background()) }()

		var seen *proc.Handle
		poll := time.NewTicker(20 * time.Millisecond)
		force := time.NewTimer(grace)
	drain:
		for {
			select {
			case <-waitDone:
				break drain
			case <-ctx.Done():
				s.log.Warn("timed out waiting for goroutines to stop", logx.Err(ctx.Err()))
				if h := s.activeHandle(); h != nil {
					h.Kill(proc.ReasonShutdown)
				}
				break drain
			case <-force.C:
				if h := s.activeHandle(); h != nil {
					s.log.Warn("in-flight job did not exit within shutdown grace; forcing kill",
						logx.Duration("grace", grace))
					h.Kill(proc.ReasonShutdown)
				}
			case <-poll.C:
				if h := s.activeHandle(); h != nil && h != seen {
					seen = h
					h.Terminate(proc.ReasonShutdown)
				}
			}
		}
		poll.Stop()
		force.Stop()

		s.stMu.Lock()
		if s.st != nil {
			s.st.IsRunning = false
			s.st.CurrentJob = nil
			s.st.NextScheduledRun = nil
			s.persistLocked()
		}
		s.stMu.Unlock()

		s.log.Info("scheduler stopped")
	})
}

// ---- trigger loop ----

func (s *Service) loop(ctx context.Context) {
	// One cycle immediately on start. This send blocks until the run
	// goroutine takes it: a default-skip here would race goroutine startup
	// and could drop the first cycle entirely.
	select {
	case s.trigger <- struct{}{}:
	case <-ctx.Done():
		return
	}

	if sched := s.cfg.CronSchedule(); sched != nil {
		for {
			next := sched.Next(time.Now())
			tmr := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-tmr.C:
				s.fire("schedule")
			}
		}
	}

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire("interval")
		}
	}
}

// fire hands a trigger to the run goroutine. If the previous run is still in
// progress the cycle is skipped, never queued: a slow run delays the next one,
// it does not compound into concurrent runs.
func (s *Service) fire(cause string) {
	if s.running.Load() {
		s.log.Info("previous run still in progress; skipping cycle", logx.String("cause", cause))
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
		s.log.Info("previous run still in progress; skipping cycle", logx.String("cause", cause))
	}
}

// ---- run goroutine ----

func (s *Service) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
			s.runCycle(ctx)
		}
	}
}

// runCycle executes one scheduled run: every enabled job, sequentially, in
// definition order. State is persisted before any externally observable
// consequence of each transition.
func (s *Service) runCycle(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	start := time.Now()
	runID := uuid.NewString()
	log := s.log.With(logx.String("run_id", runID))

	s.stMu.Lock()
	s.st.IsRunning = true
	s.st.CurrentJob = nil
	s.st.LastRunStartTime = &start
	s.persistLocked()
	s.stMu.Unlock()

	jobs := s.cfg.EnabledJobs()
	log.Info("run started", logx.Int("jobs", len(jobs)))

	results := make([]state.JobRunResult, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			log.Info("shutdown requested; remaining jobs not started",
				logx.Int("remaining", len(jobs)-len(results)))
			break
		}
		name := job.Name
		s.stMu.Lock()
		s.st.CurrentJob = &name
		s.persistLocked()
		s.stMu.Unlock()

		results = append(results, s.run.RunJob(ctx, runID, name, s.cfg.CommandFor(job)))
	}

	end := time.Now()
	rec := state.RunRecord{
		RunID:         runID,
		StartTime:     start,
		EndTime:       end,
		DurationMS:    end.Sub(start).Milliseconds(),
		JobsProcessed: results,
		Status:        state.StatusFor(results),
	}

	s.stMu.Lock()
	s.st.AppendRun(rec)
	s.st.IsRunning = false
	s.st.CurrentJob = nil
	s.st.LastRunEndTime = &end
	if ctx.Err() == nil {
		next := s.nextActivation(end)
		s.st.NextScheduledRun = &next
	} else {
		// Shutdown owns the final value.
		s.st.NextScheduledRun = nil
	}
	s.persistLocked()
	s.stMu.Unlock()

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	log.Info("run finished",
		logx.String("status", string(rec.Status)),
		logx.Int("succeeded", ok),
		logx.Int("failed", len(results)-ok),
		logx.Duration("dur", end.Sub(start)))
}

func (s *Service) nextActivation(now time.Time) time.Time {
	if sched := s.cfg.CronSchedule(); sched != nil {
		return sched.Next(now)
	}
	return now.Add(s.cfg.Interval())
}

// persistLocked writes the whole state file. Losing history is preferable to
// crashing a running supervisor, so failures are logged and swallowed.
func (s *Service) persistLocked() {
	if err := s.store.Save(s.st); err != nil {
		s.log.Warn("state persist failed", logx.String("path", s.store.Path()), logx.Err(err))
	}
}

// ---- in-flight handle tracking ----

func (s *Service) track(h *proc.Handle) {
	s.activeMu.Lock()
	s.active = h
	s.activeMu.Unlock()
}

func (s *Service) activeHandle() *proc.Handle {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active
}
