package proc

import (
	"context"
	"time"

	logx "harvestd/pkg/logx"
)

// DefaultCheckCadence is the liveness poll period. It is deliberately
// decoupled from the inactivity threshold itself.
const DefaultCheckCadence = 60 * time.Second

// Watch enforces the inactivity timeout on h: a long job that keeps producing
// output is never killed, but one silent for at least threshold is presumed
// stuck and terminated. Terminate is invoked at most once (the handle's own
// idempotency guard covers double-termination races); the kill escalation is
// the handle's business, so Watch returns right after firing.
//
// Run this in its own goroutine; it never blocks the scheduling loop. A
// threshold <= 0 disables monitoring.
func Watch(ctx context.Context, h *Handle, threshold, cadence time.Duration, log logx.Logger) {
	if h == nil || threshold <= 0 {
		return
	}
	if cadence <= 0 {
		cadence = DefaultCheckCadence
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			return
		case <-ticker.C:
			idle := time.Since(h.LastActivity())
			if idle < threshold {
				continue
			}
			log.Warn("no output from job; presuming stuck",
				logx.String("job", h.name),
				logx.Duration("idle", idle),
				logx.Duration("threshold", threshold))
			h.Terminate(ReasonInactivity)
			return
		}
	}
}
