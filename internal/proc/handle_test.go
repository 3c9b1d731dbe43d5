//go:build unix

package proc

import (
	"testing"
	"time"

	logx "harvestd/pkg/logx"
)

func startShell(t *testing.T, script string, opts StartOptions) *Handle {
	t.Helper()
	opts.Command = []string{"/bin/sh", "-c", script}
	if opts.Name == "" {
		opts.Name = "testjob"
	}
	opts.Log = logx.Nop()
	h, err := Start(opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func waitResult(t *testing.T, h *Handle, within time.Duration) Result {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(within):
		h.Kill(ReasonShutdown)
		t.Fatalf("process did not exit within %v", within)
		return Result{}
	}
}

func TestExitZeroIsSuccess(t *testing.T) {
	t.Parallel()
	h := startShell(t, "echo hello; exit 0", StartOptions{})
	res := waitResult(t, h, 5*time.Second)
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Reason != ReasonNone {
		t.Fatalf("expected no termination reason, got %q", res.Reason)
	}
}

func TestNonzeroExitIsFailure(t *testing.T) {
	t.Parallel()
	h := startShell(t, "exit 3", StartOptions{})
	res := waitResult(t, h, 5*time.Second)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestSpawnFailureIsAnError(t *testing.T) {
	t.Parallel()
	_, err := Start(StartOptions{
		Name:    "ghost",
		Command: []string{"/no/such/binary"},
		Log:     logx.Nop(),
	})
	if err == nil {
		t.Fatal("expected spawn error for missing executable")
	}
}

func TestJobNameDeliveredViaEnvironment(t *testing.T) {
	t.Parallel()
	h := startShell(t, `test "$HARVESTD_JOB" = alpha`, StartOptions{Name: "alpha"})
	res := waitResult(t, h, 5*time.Second)
	if !res.Success {
		t.Fatalf("job name not visible in environment: %+v", res)
	}
}

func TestTerminateStopsProcess(t *testing.T) {
	t.Parallel()
	h := startShell(t, "sleep 30", StartOptions{})
	h.Terminate(ReasonShutdown)
	res := waitResult(t, h, 5*time.Second)
	if res.Success {
		t.Fatal("terminated process reported success")
	}
	if res.Reason != ReasonShutdown {
		t.Fatalf("Reason = %q, want shutdown", res.Reason)
	}
}

func TestTerminateEscalatesWhenInterruptIgnored(t *testing.T) {
	t.Parallel()
	// The subshell ignores the polite interrupt; only the escalation kill
	// can take it down.
	h := startShell(t, `trap "" TERM; while :; do sleep 0.1; done`,
		StartOptions{TermGrace: 300 * time.Millisecond})
	time.Sleep(100 * time.Millisecond) // let the trap install
	h.Terminate(ReasonInactivity)
	res := waitResult(t, h, 5*time.Second)
	if res.Success {
		t.Fatal("killed process reported success")
	}
	if res.Reason != ReasonInactivity {
		t.Fatalf("Reason = %q, want inactivity", res.Reason)
	}
}

func TestTerminateKeepsFirstReason(t *testing.T) {
	t.Parallel()
	h := startShell(t, "sleep 30", StartOptions{})
	h.Terminate(ReasonInactivity)
	h.Terminate(ReasonShutdown) // no-op: already terminating
	res := waitResult(t, h, 5*time.Second)
	if res.Reason != ReasonInactivity {
		t.Fatalf("Reason = %q, want inactivity (first caller wins)", res.Reason)
	}
}

func TestOutputRefreshesActivity(t *testing.T) {
	t.Parallel()
	h := startShell(t, "sleep 0.3; echo late-output", StartOptions{})
	early := h.LastActivity()
	res := waitResult(t, h, 5*time.Second)
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !h.LastActivity().After(early) {
		t.Fatal("output line did not refresh the activity timestamp")
	}
}
