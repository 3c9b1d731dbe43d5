// Package scheduler drives the recurring collection runs.
//
// One loop goroutine arms the trigger (fixed interval, or an optional cron
// expression) and one run goroutine executes cycles. The startup trigger is a
// blocking send, so the first cycle always runs; every later trigger goes over
// the unbuffered channel with default-skip, so a slow run delays the next
// cycle by skipping it — runs never overlap and never queue up. The run
// goroutine is the only mutator of the persisted supervisor state.
package scheduler
