//go:build unix

package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"harvestd/internal/config"
	"harvestd/internal/proc"
	"harvestd/internal/runner"
	"harvestd/internal/runtime/supervisor"
	"harvestd/internal/state"
	logx "harvestd/pkg/logx"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse("test.yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func testService(t *testing.T, cfg *config.Config) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	statePath := filepath.Join(dir, "supervisor.json")
	store := state.NewStore(statePath, logx.Nop())
	sup := supervisor.New(context.Background(), supervisor.WithLogger(logx.Nop()))
	run := &runner.Runner{
		Log:        logx.Nop(),
		MaxRetries: cfg.Retries(),
		RetryDelay: cfg.RetryDelay(),
		DataDir:    filepath.Join(dir, "data"),
	}
	return New(cfg, logx.Nop(), store, run, sup), statePath
}

func readStateFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("bad state JSON: %v", err)
	}
	return m
}

func TestCycleRunsEnabledJobsInOrder(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
intervalHours: 24
maxRetries: 2
retryDelayMs: 10
jobs:
  - name: good
    enabled: true
    command: ["/bin/sh", "-c", "exit 0"]
  - name: bad
    enabled: true
    command: ["/bin/sh", "-c", "exit 1"]
  - name: parked
    enabled: false
    command: ["/bin/sh", "-c", "exit 0"]
`)
	svc, statePath := testService(t, cfg)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The startup cycle fires immediately; wait for it to land in state.
	deadline := time.Now().Add(10 * time.Second)
	var snap Snapshot
	for {
		snap = svc.Snapshot()
		if len(snap.State.RunHistory) > 0 && !snap.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup cycle never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)

	rec := snap.State.RunHistory[0]
	if rec.Status != state.StatusPartial {
		t.Fatalf("Status = %q, want partial", rec.Status)
	}
	if len(rec.JobsProcessed) != 2 {
		t.Fatalf("JobsProcessed = %d, want 2 (disabled job skipped)", len(rec.JobsProcessed))
	}
	if rec.JobsProcessed[0].JobName != "good" || rec.JobsProcessed[1].JobName != "bad" {
		t.Fatalf("jobs out of order: %s, %s", rec.JobsProcessed[0].JobName, rec.JobsProcessed[1].JobName)
	}
	if !rec.JobsProcessed[0].Success {
		t.Fatal("good job did not succeed")
	}
	failed := rec.JobsProcessed[1]
	if failed.Success {
		t.Fatal("bad job reported success")
	}
	if failed.Attempt != cfg.Retries() {
		t.Fatalf("failed Attempt = %d, want %d", failed.Attempt, cfg.Retries())
	}
	if !strings.Contains(failed.ErrorMessage, "failed after 2 attempts") {
		t.Fatalf("ErrorMessage = %q", failed.ErrorMessage)
	}
	if rec.RunID == "" {
		t.Fatal("empty run id")
	}

	// Persisted state must match the snapshot.
	m := readStateFile(t, statePath)
	if m["isRunning"] != false {
		t.Fatalf("persisted isRunning = %v", m["isRunning"])
	}
}

func TestStartupCycleFiresWithSingleProc(t *testing.T) {
	// GOMAXPROCS is process-wide, so no t.Parallel here. One OS thread makes
	// the loop goroutine run before the run goroutine parks on the trigger,
	// which is exactly the ordering that must not lose the first cycle.
	prev := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(prev)

	cfg := testConfig(t, `
intervalHours: 24
maxRetries: 1
jobs:
  - name: quick
    enabled: true
    command: ["/bin/sh", "-c", "exit 0"]
`)
	svc, _ := testService(t, cfg)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if snap := svc.Snapshot(); len(snap.State.RunHistory) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup cycle never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
}

func TestStopTerminatesJobSpawnedDuringShutdown(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
intervalHours: 24
maxRetries: 1
jobs:
  - name: late
    enabled: true
    command: ["/bin/sh", "-c", "sleep 30"]
`)
	svc, _ := testService(t, cfg)
	svc.ShutdownGrace = 2 * time.Second

	// Emulate the run goroutine losing the race with Stop: the job process
	// appears only after the cancel has landed.
	svc.sup.Go0("scheduler.run", func(ctx context.Context) {
		<-ctx.Done()
		h, err := proc.Start(proc.StartOptions{
			Name:    "late",
			Command: []string{"/bin/sh", "-c", "sleep 30"},
			Log:     logx.Nop(),
		})
		if err != nil {
			t.Errorf("spawn: %v", err)
			return
		}
		svc.track(h)
		h.Result()
		svc.track(nil)
	})

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if took := time.Since(start); took > 10*time.Second {
		t.Fatalf("Stop took %v; late-spawned job was not terminated", took)
	}
}

func TestFireSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
intervalHours: 1
jobs:
  - name: a
    enabled: true
    command: ["/bin/true"]
`)
	svc, _ := testService(t, cfg)

	// A run in progress: fire must return immediately without queueing.
	svc.running.Store(true)
	done := make(chan struct{})
	go func() {
		svc.fire("interval")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fire blocked while a run was in progress")
	}
	select {
	case <-svc.trigger:
		t.Fatal("skipped cycle was queued on the trigger")
	default:
	}

	// No receiver on the trigger either: still no queueing.
	svc.running.Store(false)
	svc.fire("interval")
	select {
	case <-svc.trigger:
		t.Fatal("trigger buffered a cycle with no receiver")
	default:
	}
}

func TestStopTerminatesInFlightJobAndPersistsIdleState(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, `
intervalHours: 24
maxRetries: 1
jobs:
  - name: sleeper
    enabled: true
    command: ["/bin/sh", "-c", "sleep 30"]
`)
	svc, statePath := testService(t, cfg)
	svc.ShutdownGrace = 2 * time.Second

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Wait until the job is actually in flight.
	deadline := time.Now().Add(5 * time.Second)
	for svc.activeHandle() == nil {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if took := time.Since(start); took > 8*time.Second {
		t.Fatalf("Stop took %v", took)
	}

	m := readStateFile(t, statePath)
	if m["isRunning"] != false {
		t.Fatalf("persisted isRunning = %v", m["isRunning"])
	}
	if m["currentJob"] != nil {
		t.Fatalf("persisted currentJob = %v", m["currentJob"])
	}
	if m["nextScheduledRun"] != nil {
		t.Fatalf("persisted nextScheduledRun = %v", m["nextScheduledRun"])
	}

	// The interrupted run is still on the record.
	snap := svc.Snapshot()
	if len(snap.State.RunHistory) != 1 {
		t.Fatalf("RunHistory = %d, want 1", len(snap.State.RunHistory))
	}
	res := snap.State.RunHistory[0].JobsProcessed[0]
	if res.Success {
		t.Fatal("terminated job reported success")
	}
	if !strings.Contains(res.ErrorMessage, "terminated by supervisor shutdown") {
		t.Fatalf("ErrorMessage = %q", res.ErrorMessage)
	}
}

func TestNextActivation(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	t.Run("interval", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, `
intervalHours: 6
jobs:
  - name: a
    enabled: true
    command: ["/bin/true"]
`)
		svc, _ := testService(t, cfg)
		if got, want := svc.nextActivation(now), now.Add(6*time.Hour); !got.Equal(want) {
			t.Fatalf("nextActivation = %v, want %v", got, want)
		}
	})

	t.Run("cron", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, `
intervalHours: 24
schedule: "0 2 * * *"
jobs:
  - name: a
    enabled: true
    command: ["/bin/true"]
`)
		svc, _ := testService(t, cfg)
		got := svc.nextActivation(now)
		if !got.After(now) {
			t.Fatalf("nextActivation %v is not after %v", got, now)
		}
		if got.Hour() != 2 || got.Minute() != 0 {
			t.Fatalf("nextActivation = %v, want the daily 02:00 slot", got)
		}
	})
}
