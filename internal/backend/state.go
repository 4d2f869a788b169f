package backend

import "sync/atomic"

// State is a task's lifecycle state, per §4.2's state machine.
type State uint32

const (
	// StateDormant: the task exists but has never executed; output unset.
	StateDormant State = iota
	// StateScheduled: queued for a worker.
	StateScheduled
	// StateRunning: a worker is executing the body.
	StateRunning
	// StateDone: output resolved; dependents may subscribe.
	StateDone
	// StateDirty: at least one read dependency is stale. Every backend path
	// that enters Dirty reschedules the task straight away, so Dirty is
	// normally followed at once by Scheduled.
	StateDirty
)

func (s State) String() string {
	switch s {
	case StateDormant:
		return "dormant"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// taskState is a lock-free lifecycle cell: every transition is a pure
// compare-and-swap guarded by an explicit valid-transition table, modeled
// on eventloop.FastState's atomic.Uint64 CAS design rather than a mutex.
// Unlike FastState this machine has cyclic edges (Done->Dirty->Scheduled
// and back to Done), so it stores the enum directly instead of packing
// auxiliary bits; the invariant "at most one execution in flight" (§8,
// property 4) follows from Scheduled->Running being the only entry into
// Running and from TryTransition's CAS never double-granting it.
type taskState struct {
	v atomic.Uint32
}

func newTaskState(s State) *taskState {
	ts := &taskState{}
	ts.v.Store(uint32(s))
	return ts
}

func (ts *taskState) Load() State { return State(ts.v.Load()) }

var validTransitions = map[[2]State]bool{
	{StateDormant, StateScheduled}: true,
	{StateScheduled, StateRunning}: true,
	{StateRunning, StateDone}:      true,
	{StateDone, StateDirty}:        true,
	{StateDirty, StateScheduled}:   true,
}

// TryTransition attempts from->to; it succeeds only if the pair is a
// documented edge and the current value still equals from. A false return
// means the caller lost a race (or attempted an invalid edge) and must
// reload State() to decide what to do next.
func (ts *taskState) TryTransition(from, to State) bool {
	if !validTransitions[[2]State{from, to}] {
		return false
	}
	return ts.v.CompareAndSwap(uint32(from), uint32(to))
}
