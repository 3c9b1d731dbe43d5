package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Reason explains how an attempt ended. "exit" is a normal process exit
// (either code), "spawn" means the process could not be created at all,
// "inactivity" means the liveness monitor killed it, "shutdown" means the
// supervisor terminated it while shutting down.
const (
	ReasonExit       = "exit"
	ReasonSpawn      = "spawn"
	ReasonInactivity = "inactivity"
	ReasonShutdown   = "shutdown"
)

// Config configures the audit store.
//
// Driver values:
//   - "file": dependency-free JSONL backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", the audit trail is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AttemptRecord is one job attempt. Keep it compact and schema-stable.
type AttemptRecord struct {
	At       time.Time `json:"at"`
	RunID    string    `json:"runId"`
	Job      string    `json:"job"`
	Attempt  int       `json:"attempt"`
	Success  bool      `json:"success"`
	ExitCode int       `json:"exitCode"`
	Reason   string    `json:"reason"`
	TookMS   int64     `json:"tookMs"`
	Error    string    `json:"error,omitempty"`
}
