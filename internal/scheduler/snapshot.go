package scheduler

import (
	"harvestd/internal/runtime/supervisor"
	"harvestd/internal/state"
)

// Snapshot is a point-in-time view for observability/debug output, not a
// synchronization primitive.
type Snapshot struct {
	Running    bool                  `json:"running"`
	State      state.SupervisorState `json:"state"`
	Goroutines supervisor.Counters   `json:"goroutines"`
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Running:    s.running.Load(),
		Goroutines: s.sup.Counters(),
	}

	s.stMu.Lock()
	if s.st != nil {
		cp := *s.st
		cp.RunHistory = append([]state.RunRecord(nil), s.st.RunHistory...)
		snap.State = cp
	}
	s.stMu.Unlock()

	return snap
}
