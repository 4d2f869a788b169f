// Package backend is the cell store (§4.2): per-task storage of an output
// slot and indexed cell slots, each with a version counter and a waiter
// list, plus the task lifecycle state machine. It exposes non-blocking
// try-read primitives that either return a value or a channel to await.
//
// Grounded on eventloop.FastState for the lock-free lifecycle CAS (see
// state.go) and on eventloop.promise's fanOut for the waiter-list wakeup
// (see waiters.go); the overall "map of records behind a mutex, execution
// happens outside the lock" shape follows dag.Executor's
// mutex-guarded ExecutionState.
package backend

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"taskengine/internal/core"
	"taskengine/internal/depgraph"
	"taskengine/internal/registry"
)

// cellSlot is one numbered cell owned by a task.
type cellSlot struct {
	present    bool
	valueType  core.ValueTypeID
	payload    any
	version    uint64
	waiters    slotWaiters
	dependents map[core.TaskID]struct{}
}

// outputSlot is the distinguished slot holding a task's output handle.
type outputSlot struct {
	present    bool
	handle     core.Handle
	version    uint64
	waiters    slotWaiters
	dependents map[core.TaskID]struct{}
}

// TaskRecord is everything the backend stores for one task (§3).
type TaskRecord struct {
	ID   core.TaskID
	Key  core.TaskKey
	Fn   core.FunctionID
	Args any

	state             *taskState
	dirtyOnCompletion atomic.Bool

	mu               sync.Mutex
	output           outputSlot
	cells            map[core.CellIndex]*cellSlot
	err              error
	publishedThisRun map[core.CellIndex]struct{}
}

// State returns the task's current lifecycle state.
func (r *TaskRecord) State() State { return r.state.Load() }

// ReadyHook is invoked whenever a task transitions into Scheduled; the
// scheduler installs one to learn about newly-runnable tasks.
type ReadyHook func(core.TaskID)

// Backend is the process-wide cell store.
type Backend struct {
	reg     *registry.Registry
	logger  core.Logger
	tracker *depgraph.Tracker

	readyHook atomic.Pointer[ReadyHook]

	mu      sync.Mutex
	records map[core.TaskID]*TaskRecord
	byKey   map[core.TaskKey]core.TaskID
	nextID  uint64
}

// New returns an empty backend. reg supplies value-type equality functions
// for the republish rule; logger may be nil (equivalent to core.NopLogger).
func New(reg *registry.Registry, logger core.Logger) *Backend {
	if logger == nil {
		logger = core.NopLogger{}
	}
	b := &Backend{
		reg:     reg,
		logger:  logger,
		records: make(map[core.TaskID]*TaskRecord),
		byKey:   make(map[core.TaskKey]core.TaskID),
	}
	b.tracker = depgraph.NewTracker(b)
	return b
}

// Tracker returns the dependency tracker installing edges against this
// backend; Finish installs each execution's read edges through it.
func (b *Backend) Tracker() *depgraph.Tracker { return b.tracker }

// SetReadyHook installs the callback invoked when a task becomes
// Scheduled (including the first time it is spawned).
func (b *Backend) SetReadyHook(h ReadyHook) { b.readyHook.Store(&h) }

func (b *Backend) notifyReady(id core.TaskID) {
	if h := b.readyHook.Load(); h != nil {
		(*h)(id)
	}
}

// GetOrCreate returns the task record for key, creating and scheduling it
// (Dormant -> Scheduled) if this is the first spawn, per §3's "tasks are
// created on first handle request". created reports whether this call
// did the creating.
func (b *Backend) GetOrCreate(key core.TaskKey, fn core.FunctionID, args any) (rec *TaskRecord, created bool) {
	b.mu.Lock()
	if id, ok := b.byKey[key]; ok {
		rec = b.records[id]
		b.mu.Unlock()
		return rec, false
	}

	b.nextID++
	id := core.TaskID(b.nextID)
	rec = &TaskRecord{
		ID:    id,
		Key:   key,
		Fn:    fn,
		Args:  args,
		state: newTaskState(StateDormant),
		cells: make(map[core.CellIndex]*cellSlot),
	}
	b.byKey[key] = id
	b.records[id] = rec
	b.mu.Unlock()

	b.schedule(rec)
	b.logger.TaskScheduled(id, fn)
	return rec, true
}

// Record returns the task record for id, if any.
func (b *Backend) Record(id core.TaskID) (*TaskRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[id]
	return rec, ok
}

// schedule moves rec from Dormant or Dirty into Scheduled and notifies the
// ready hook; it is a no-op if rec is already Scheduled, Running or
// cleanly Done.
func (b *Backend) schedule(rec *TaskRecord) {
	for {
		switch rec.state.Load() {
		case StateDormant:
			if rec.state.TryTransition(StateDormant, StateScheduled) {
				b.notifyReady(rec.ID)
				return
			}
		case StateDirty:
			if rec.state.TryTransition(StateDirty, StateScheduled) {
				b.logger.TaskScheduled(rec.ID, rec.Fn)
				b.notifyReady(rec.ID)
				return
			}
		default:
			return
		}
	}
}

// Dispatch transitions rec from Scheduled to Running. It returns false if
// rec was not Scheduled (the caller raced with another dispatcher), which
// together with Scheduled only ever being entered once per invalidation
// cycle gives property 4 (§8): at most one worker Running per task.
func (b *Backend) Dispatch(rec *TaskRecord) bool {
	ok := rec.state.TryTransition(StateScheduled, StateRunning)
	if ok {
		rec.mu.Lock()
		rec.publishedThisRun = make(map[core.CellIndex]struct{})
		rec.mu.Unlock()
		b.logger.TaskStarted(rec.ID)
	}
	return ok
}

// MarkDirtyWhileRunning records that an invalidation arrived for rec while
// it was Running; Finish will requeue it immediately on completion
// instead of leaving it Done with stale dependents.
func (b *Backend) MarkDirtyWhileRunning(rec *TaskRecord) {
	rec.dirtyOnCompletion.Store(true)
}

// Finish transitions rec from Running to Done, publishes its output
// handle, applies the edges the execution read (installing them as
// dependent edges on their targets, per depgraph.Tracker), clears any
// cell index that was published on a prior run but not this one (§4.2:
// "missing indices in a later execution cause dependents on those indices
// to be invalidated"), and republishes the record as Dirty+rescheduled if
// an invalidation arrived mid-run or an installed edge was already stale.
func (b *Backend) Finish(rec *TaskRecord, handle core.Handle, taskErr error, readEdges map[core.SlotID]uint64) error {
	if !rec.state.TryTransition(StateRunning, StateDone) {
		return fmt.Errorf("backend: task %d: Finish called outside Running", uint64(rec.ID))
	}

	rec.mu.Lock()
	rec.err = taskErr

	outputChanged := !rec.output.present || rec.output.handle != handle
	if outputChanged {
		rec.output.present = true
		rec.output.handle = handle
		rec.output.version++
	}
	outputDeps := snapshotDependents(rec.output.dependents)

	var invalidatedCellDeps [][]core.TaskID
	for idx, slot := range rec.cells {
		if _, published := rec.publishedThisRun[idx]; published || !slot.present {
			continue
		}
		slot.present = false
		slot.payload = nil
		slot.version++
		invalidatedCellDeps = append(invalidatedCellDeps, snapshotDependentsSlice(slot.dependents))
		slot.waiters.fanOut()
	}
	rec.publishedThisRun = nil
	rec.mu.Unlock()

	rec.output.waiters.fanOut()
	b.logger.TaskFinished(rec.ID, taskErr != nil)

	if outputChanged {
		b.dirtyReaders(outputDeps)
	}
	for _, deps := range invalidatedCellDeps {
		b.dirtyReaders(deps)
	}

	staleOnInstall := b.tracker.Install(rec.ID, readEdges)

	if staleOnInstall || rec.dirtyOnCompletion.CompareAndSwap(true, false) {
		if rec.state.TryTransition(StateDone, StateDirty) {
			b.schedule(rec)
		}
	}
	return nil
}

func snapshotDependents(m map[core.TaskID]struct{}) []core.TaskID {
	out := make([]core.TaskID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}

func snapshotDependentsSlice(m map[core.TaskID]struct{}) []core.TaskID {
	return snapshotDependents(m)
}

// dirtyReaders marks every listed task Done->Dirty (or latches
// dirty-on-completion if Running) and reschedules it; this is the
// single-hop propagation §4.2's invalidate() performs — transitive
// invalidation is not computed here, it falls out of each dirtied reader
// re-executing and republishing in turn.
func (b *Backend) dirtyReaders(readers []core.TaskID) {
	for _, id := range readers {
		rec, ok := b.Record(id)
		if !ok {
			continue
		}
		if rec.state.TryTransition(StateDone, StateDirty) {
			b.logger.TaskInvalidated(id, core.SlotID{Task: id, Index: core.OutputSlot})
			b.schedule(rec)
			continue
		}
		if rec.state.Load() == StateRunning {
			b.MarkDirtyWhileRunning(rec)
		}
	}
}

// TryReadOutput implements §4.2's try_read_output. If the task's output is
// Done and not (strongly-consistent-and-dirty-on-completion), the handle
// is returned immediately. Otherwise a listener channel is returned and
// the task is scheduled if it was Dormant or Dirty.
func (b *Backend) TryReadOutput(id core.TaskID, stronglyConsistent bool) (handle core.Handle, version uint64, pending <-chan struct{}, err error) {
	rec, ok := b.Record(id)
	if !ok {
		slot := core.SlotID{Task: id, Index: core.OutputSlot}
		return core.Handle{}, 0, nil, &core.ReadError{Slot: slot, Cause: fmt.Errorf("backend: unknown task %d", uint64(id))}
	}

	state := rec.state.Load()

	if state == StateDone {
		rec.mu.Lock()
		forceRerun := stronglyConsistent && rec.dirtyOnCompletion.Load()
		if !forceRerun {
			if rec.err != nil {
				cause := rec.err
				rec.mu.Unlock()
				return core.Handle{}, 0, nil, &core.TaskError{Task: id, Cause: cause}
			}
			h, v := rec.output.handle, rec.output.version
			rec.mu.Unlock()
			return h, v, nil, nil
		}
		rec.mu.Unlock()
	}

	rec.mu.Lock()
	ch := rec.output.waiters.wait()
	rec.mu.Unlock()

	b.schedule(rec)
	return core.Handle{}, 0, ch, nil
}

// TryReadCell implements §4.2's try_read_cell. A cell that is absent on a
// Done task is not pending production — the task has already finished
// without ever publishing it — so this returns NoContentError immediately
// rather than registering a waiter that would never be woken (§7, §8:
// "reading an empty cell returns NoContent"). A waiter is only registered
// while the owning task is still capable of publishing the slot.
func (b *Backend) TryReadCell(task core.TaskID, index core.CellIndex) (valueType core.ValueTypeID, payload any, version uint64, pending <-chan struct{}, err error) {
	rec, ok := b.Record(task)
	if !ok {
		slotID := core.SlotID{Task: task, Index: index}
		return 0, nil, 0, nil, &core.ReadError{Slot: slotID, Cause: fmt.Errorf("backend: unknown task %d", uint64(task))}
	}

	rec.mu.Lock()
	slot := rec.cells[index]
	if slot != nil && slot.present {
		vt, p, v := slot.valueType, slot.payload, slot.version
		rec.mu.Unlock()
		return vt, p, v, nil, nil
	}
	if rec.state.Load() == StateDone {
		rec.mu.Unlock()
		return 0, nil, 0, nil, &core.NoContentError{Slot: core.SlotID{Task: task, Index: index}}
	}
	if slot == nil {
		slot = &cellSlot{dependents: make(map[core.TaskID]struct{})}
		rec.cells[index] = slot
	}
	ch := slot.waiters.wait()
	rec.mu.Unlock()

	return 0, nil, 0, ch, nil
}

// PublishCell implements §4.2's publish_cell: the equality-preserving
// republish rule. If the slot is empty, or its (value-type, payload) pair
// differs from what is stored, the new payload is stored and the version
// is bumped and waiters woken; an equal republish is a no-op on the
// version, so readers that already observed it are not invalidated.
func (b *Backend) PublishCell(task core.TaskID, index core.CellIndex, valueType core.ValueTypeID, payload any) error {
	rec, ok := b.Record(task)
	if !ok {
		return fmt.Errorf("backend: unknown task %d", uint64(task))
	}

	rec.mu.Lock()
	slot := rec.cells[index]
	if slot == nil {
		slot = &cellSlot{dependents: make(map[core.TaskID]struct{})}
		rec.cells[index] = slot
	}
	if rec.publishedThisRun != nil {
		rec.publishedThisRun[index] = struct{}{}
	}

	equal := slot.present && slot.valueType == valueType && b.payloadsEqual(valueType, slot.payload, payload)
	if equal {
		rec.mu.Unlock()
		b.logger.CellRepublishUnchanged(core.SlotID{Task: task, Index: index})
		return nil
	}

	slot.present = true
	slot.valueType = valueType
	slot.payload = payload
	slot.version++
	deps := snapshotDependents(slot.dependents)
	rec.mu.Unlock()

	slot.waiters.fanOut()
	b.dirtyReaders(deps)
	return nil
}

// payloadsEqual decides structural equality for the republish rule. It
// prefers the value type's own registered Equal function (e.g. for types
// whose meaningful equality isn't their Go representation); failing that
// it falls back to a cmp.Equal deep comparison that also compares
// unexported struct fields (cmp.Exporter) and treats nil and empty slices
// and maps as equal (cmpopts.EquateEmpty).
func (b *Backend) payloadsEqual(valueType core.ValueTypeID, a, b2 any) bool {
	if b.reg != nil {
		if d, ok := b.reg.ValueType(valueType); ok && d.Equal != nil {
			return d.Equal(a, b2)
		}
	}
	return cmp.Equal(a, b2, cmp.Exporter(func(reflect.Type) bool { return true }), cmpopts.EquateEmpty())
}

// MarkDependent implements depgraph.SlotIndex: it registers reader against
// the named slot (creating the cell slot lazily if needed, mirroring
// TryReadCell) and reports the slot's current version.
func (b *Backend) MarkDependent(slot core.SlotID, reader core.TaskID, observedVersion uint64) (currentVersion uint64, exists bool) {
	rec, ok := b.Record(slot.Task)
	if !ok {
		return 0, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if slot.IsOutput() {
		if rec.output.dependents == nil {
			rec.output.dependents = make(map[core.TaskID]struct{})
		}
		rec.output.dependents[reader] = struct{}{}
		return rec.output.version, true
	}

	cs := rec.cells[slot.Index]
	if cs == nil {
		cs = &cellSlot{dependents: make(map[core.TaskID]struct{})}
		rec.cells[slot.Index] = cs
	}
	if cs.dependents == nil {
		cs.dependents = make(map[core.TaskID]struct{})
	}
	cs.dependents[reader] = struct{}{}
	return cs.version, true
}

// Invalidate forces the given task dirty and reschedules it regardless of
// whether anything it stores actually changed; it is the entry point an
// embedder uses to mark an external input stale (e.g. a source task whose
// underlying data changed outside the engine's view).
func (b *Backend) Invalidate(task core.TaskID) error {
	rec, ok := b.Record(task)
	if !ok {
		return fmt.Errorf("backend: unknown task %d", uint64(task))
	}
	rec.mu.Lock()
	rec.output.version++
	for _, cs := range rec.cells {
		cs.version++
	}
	rec.mu.Unlock()

	if rec.state.TryTransition(StateDone, StateDirty) {
		b.logger.TaskInvalidated(task, core.SlotID{Task: task, Index: core.OutputSlot})
		b.schedule(rec)
		return nil
	}
	if rec.state.Load() == StateRunning {
		b.MarkDirtyWhileRunning(rec)
	}
	return nil
}
