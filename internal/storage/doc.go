// Package storage persists the per-attempt audit trail.
//
// Every job attempt (success, failure, spawn failure, liveness kill) is
// appended as it finishes, independent of the bounded run history kept in the
// supervisor state file. Backends:
//   - file: append-only JSON Lines (default)
//   - sqlite: database file (optional build tag)
package storage
