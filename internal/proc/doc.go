// Package proc launches a collection job as an isolated external process and
// supervises it to completion.
//
// The job learns its identity from the environment (HARVESTD_JOB), never from
// argv or its own output. Stdout and stderr are captured line-by-line; every
// line refreshes a last-activity timestamp consumed by the liveness monitor.
// Termination is two-phase: an interrupt to the whole process group, then an
// unconditional kill of the group if it has not exited within a grace window.
package proc
