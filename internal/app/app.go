// Package app wires the supervisor together: configuration, logging, state
// and audit stores, the retry runner and the scheduler service.
package app

import (
	"context"
	"time"

	"harvestd/internal/config"
	"harvestd/internal/runner"
	"harvestd/internal/runtime/supervisor"
	"harvestd/internal/scheduler"
	"harvestd/internal/state"
	"harvestd/internal/storage"
	logx "harvestd/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     *config.Config

	logs *logx.Service
	log  logx.Logger

	sup   *supervisor.Supervisor
	store *state.Store
	audit storage.Store
	sched *scheduler.Service
}

// New loads the schedule definition and builds all components. Any error here
// is a fatal startup failure (exit code 1 territory); nothing has been
// scheduled yet.
func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	audit, err := storage.Open(storage.Config{
		Driver: cfg.Audit.Driver,
		Path:   cfg.Audit.Path,
	}, logs.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if audit != nil {
		log.Info("attempt audit enabled", logx.String("driver", cfg.Audit.Driver), logx.String("path", cfg.Audit.Path))
	}

	store := state.NewStore(cfg.StatePath, logs.Logger().With(logx.String("comp", "state")))

	return &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		logs:    logs,
		log:     log,
		store:   store,
		audit:   audit,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.logs.Logger().With(logx.String("comp", "supervisor"))))

	run := &runner.Runner{
		Log:               a.logs.Logger().With(logx.String("comp", "runner")),
		Audit:             a.audit,
		Spawner:           supSpawner{a.sup},
		MaxRetries:        a.cfg.Retries(),
		RetryDelay:        a.cfg.RetryDelay(),
		InactivityTimeout: a.cfg.InactivityTimeout(),
		DataDir:           a.cfg.DataDir,
	}

	a.sched = scheduler.New(a.cfg,
		a.logs.Logger().With(logx.String("comp", "scheduler")),
		a.store, run, a.sup)
	if err := a.sched.Start(ctx); err != nil {
		return err
	}

	a.sup.Go0("app.configwatch", a.watchConfig)
	a.notifyReady()

	a.log.Info("harvestd started", logx.String("config", a.cfgPath))
	return nil
}

// Stop shuts everything down in order: scheduler (which waits out or kills
// the in-flight job and persists final state), then stores and log sinks.
func (a *App) Stop(ctx context.Context) {
	notifyStopping()
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Warn("audit close failed", logx.Err(err))
		}
	}
	a.log.Info("harvestd stopped")
	_ = a.logs.Close()
}

// Snapshot exposes the scheduler view (debug tooling).
func (a *App) Snapshot() scheduler.Snapshot {
	if a.sched == nil {
		return scheduler.Snapshot{}
	}
	return a.sched.Snapshot()
}

func mapLogging(c config.LoggingConfig) logx.Config {
	console := true
	if c.Console != nil {
		console = *c.Console
	}
	return logx.Config{
		Level:   c.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

// supSpawner lets process handles run their goroutines under the runtime
// supervisor.
type supSpawner struct{ s *supervisor.Supervisor }

func (w supSpawner) Go(name string, fn func()) {
	w.s.Go0(name, func(ctx context.Context) { fn() })
}

// StopTimeout is the outer bound main gives Stop: the 30s in-flight grace,
// the kill escalation and the final persist all fit inside it.
const StopTimeout = 90 * time.Second
