// Package depgraph tracks, for the task currently executing on a given
// goroutine chain, the set of slots it has read, and installs those reads
// as inverted (dependent) edges on the target slots once the task
// finishes — §4.3's dependency tracker.
//
// turbo-tasks keeps the active read-set thread-local and swaps it onto
// the task record atomically at completion (raw_vc.rs's ReadRawVcFuture
// records a dependency at every hop of the read loop; registry.rs has no
// analog here, so this package is grounded directly on §4.3's prose and
// on the general "read-set accumulate, install on completion" shape
// rather than on a specific teacher file — script-weaver's
// internal/incremental/invalidation.go is the closest structural parallel
// (it also separates "what changed" from "who gets marked dirty"), and
// its root-cause/topological-order machinery is adapted here into the
// simpler single-hop dirtying §4.2 calls for (see backend.Backend.Finish).
//
// Go has no native thread-local storage; context.Context propagation
// plays that role here, since it already follows the same call chain a
// real thread-local would, and composes naturally with the
// goroutine-per-task model the scheduler uses.
package depgraph

import (
	"context"
	"sync"

	"taskengine/internal/core"
)

// ReadSet accumulates the slots read during one task execution.
type ReadSet struct {
	mu    sync.Mutex
	edges map[core.SlotID]uint64
}

// NewReadSet returns an empty read-set.
func NewReadSet() *ReadSet {
	return &ReadSet{edges: make(map[core.SlotID]uint64)}
}

// Record appends (or refreshes) an observed (slot, version) edge. A slot
// read more than once during the same execution keeps only the
// most-recently-observed version, since that is the freshest stable
// snapshot the execution actually saw.
func (rs *ReadSet) Record(slot core.SlotID, version uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.edges[slot] = version
}

// Snapshot returns a copy of the accumulated edges, safe to hand to
// Tracker.Install after the execution has finished.
func (rs *ReadSet) Snapshot() map[core.SlotID]uint64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make(map[core.SlotID]uint64, len(rs.edges))
	for k, v := range rs.edges {
		out[k] = v
	}
	return out
}

type ctxKey struct{}

type active struct {
	reader    core.TaskID
	readSet   *ReadSet
	ancestors map[core.TaskID]bool
}

// WithActive returns a context carrying reader as the current task for
// depgraph recording purposes, along with the fresh ReadSet that will
// accumulate its reads. It must be called once per task execution, by
// whatever dispatches the task body (engine.executeTask).
func WithActive(ctx context.Context, reader core.TaskID) (context.Context, *ReadSet) {
	rs := NewReadSet()
	ancestors := map[core.TaskID]bool{reader: true}
	if parent, ok := ctx.Value(ctxKey{}).(*active); ok {
		for id := range parent.ancestors {
			ancestors[id] = true
		}
	}
	a := &active{reader: reader, readSet: rs, ancestors: ancestors}
	return context.WithValue(ctx, ctxKey{}, a), rs
}

type untrackKey struct{}

// Untrack returns a context in which ActiveReadSet always reports no
// active read-set, even if ctx was derived from WithActive. It is the
// explicit opt-out backing Handle.ReadUntracked (§4.3's "untracked
// reads"): reads performed with it are not recorded as dependency edges,
// so they must not be used on a production read path (§9 marks this a
// footgun, and §8 property 5 excludes it from the dependency-completeness
// guarantee by design).
func Untrack(ctx context.Context) context.Context {
	return context.WithValue(ctx, untrackKey{}, true)
}

// ActiveReadSet returns the read-set accumulating for the task currently
// executing on ctx's call chain, if any.
func ActiveReadSet(ctx context.Context) (rs *ReadSet, reader core.TaskID, ok bool) {
	if untracked, _ := ctx.Value(untrackKey{}).(bool); untracked {
		return nil, 0, false
	}
	a, ok := ctx.Value(ctxKey{}).(*active)
	if !ok {
		return nil, 0, false
	}
	return a.readSet, a.reader, true
}

// IsAncestor reports whether task is already executing somewhere up ctx's
// synchronous call chain — i.e. reading it now would be a self-dependency
// rather than a suspend-and-resume. The read path in package handle
// checks this before every try_read_output hop so a cycle surfaces as
// core.CycleError instead of deadlocking the worker.
func IsAncestor(ctx context.Context, task core.TaskID) bool {
	a, ok := ctx.Value(ctxKey{}).(*active)
	if !ok {
		return false
	}
	return a.ancestors[task]
}

// SlotIndex is the narrow backend surface a Tracker needs: the ability to
// register a reader against a target slot and learn that slot's current
// version. *backend.Backend implements this.
type SlotIndex interface {
	MarkDependent(slot core.SlotID, reader core.TaskID, observedVersion uint64) (currentVersion uint64, exists bool)
}

// Tracker installs accumulated read-sets as inverted dependent edges.
type Tracker struct {
	index SlotIndex
}

// NewTracker returns a Tracker installing edges against index.
func NewTracker(index SlotIndex) *Tracker {
	return &Tracker{index: index}
}

// Install registers reader as a dependent of every slot in edges. It
// returns true if any edge's current version already exceeds what the
// reader observed — meaning the reader was already stale the instant its
// dependencies were installed, per §4.3: "If a dependency's current
// version already exceeds the observed version at the moment of
// installation, the task is marked dirty-on-completion."
func (t *Tracker) Install(reader core.TaskID, edges map[core.SlotID]uint64) (staleOnInstall bool) {
	for slot, observed := range edges {
		current, ok := t.index.MarkDependent(slot, reader, observed)
		if ok && current > observed {
			staleOnInstall = true
		}
	}
	return staleOnInstall
}
