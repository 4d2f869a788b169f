package scheduler

import "runtime"

// maxProcs reports the current GOMAXPROCS value. The engine's top-level
// package imports go.uber.org/automaxprocs for its cgroup-aware
// side-effect (see engine.go); this just reads back whatever value that
// left in place, or the Go runtime's container-oblivious default if the
// embedder chose not to wire it in.
func maxProcs() int {
	return runtime.GOMAXPROCS(0)
}
