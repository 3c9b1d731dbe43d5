// Package state persists the supervisor's crash-recoverable state.
//
// The state file is a single JSON document rewritten wholesale on every
// transition. There is exactly one writer (the supervisor); external readers
// are advisory, so no file locking is used.
package state

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	logx "harvestd/pkg/logx"
)

type Store struct {
	path string
	log  logx.Logger
}

func NewStore(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{path: path, log: log}
}

func (s *Store) Path() string { return s.path }

// Load reads the persisted state. A missing or unparseable file is not fatal;
// it yields the default state (losing history beats refusing to start).
//
// A persisted IsRunning=true means the previous process died mid-run (crash,
// forced kill, power loss). The run is over either way, so it is reset to
// idle here rather than trusted.
func (s *Store) Load() *SupervisorState {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("state file unreadable; starting fresh", logx.String("path", s.path), logx.Err(err))
		}
		return New()
	}

	var st SupervisorState
	if err := json.Unmarshal(b, &st); err != nil {
		s.log.Warn("state file corrupt; starting fresh", logx.String("path", s.path), logx.Err(err))
		return New()
	}
	if st.RunHistory == nil {
		st.RunHistory = []RunRecord{}
	}

	if st.IsRunning {
		s.log.Warn("previous run did not complete cleanly; resetting to idle",
			logx.Any("currentJob", st.CurrentJob))
		st.IsRunning = false
		st.CurrentJob = nil
	}
	return &st
}

// Save rewrites the whole state file. The write goes to a temp file in the
// same directory and is renamed over the target so readers never observe a
// half-written document. Failure to persist is the caller's to log; it must
// never take the supervisor down.
func (s *Store) Save(st *SupervisorState) error {
	if st == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
