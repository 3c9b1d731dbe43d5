package proc

// Spawner allows callers (e.g. the runtime supervisor) to own goroutines
// created by a process handle: output readers, the exit waiter and the
// termination escalation watcher. When nil, the handle falls back to plain
// `go`.
//
// This package deliberately does not depend on the runtime supervisor
// implementation.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }

func (h *Handle) spawn(name string, fn func()) {
	if h.spawner != nil {
		h.spawner.Go(name, fn)
		return
	}
	go fn()
}
