// Package core holds the vocabulary shared by every other package in this
// module: task and slot identity, the handle sum type, the descriptor
// shapes the registry stores, and the error taxonomy returned by the read
// path. Nothing here owns storage or scheduling; those live in backend,
// depgraph, scheduler and handle, all of which depend on this package the
// way dag, graph and incremental depend on a shared core package in their
// own tree.
package core

import (
	"context"
	"errors"
	"fmt"
)

// TaskID is a dense, process-lifetime-stable identifier assigned to a task
// the first time its key is spawned.
type TaskID uint64

// FunctionID, ValueTypeID and TraitTypeID are dense identifiers minted by
// the registry's three independent namespaces.
type (
	FunctionID  uint32
	ValueTypeID uint32
	TraitTypeID uint32
)

// CellIndex addresses one of a task's numbered cell slots. Indices are
// chosen by the task body and are arbitrary non-negative integers; they
// are stable across re-executions of the same task.
type CellIndex int

// OutputSlot is the reserved index naming a task's output slot rather than
// one of its numbered cells, so a single SlotID type can address either.
const OutputSlot CellIndex = -1

// SlotID names an addressable location a dependency edge can target.
type SlotID struct {
	Task  TaskID
	Index CellIndex
}

// IsOutput reports whether the slot is a task's output slot rather than a
// numbered cell.
func (s SlotID) IsOutput() bool { return s.Index == OutputSlot }

func (s SlotID) String() string {
	if s.IsOutput() {
		return fmt.Sprintf("task(%d).output", uint64(s.Task))
	}
	return fmt.Sprintf("task(%d).cell(%d)", uint64(s.Task), int(s.Index))
}

// TaskKey is the tuple (function-id, argument-fingerprint) that determines
// task identity: two spawns with an equal key share one task.
type TaskKey struct {
	Function    FunctionID
	Fingerprint [32]byte
}

func (k TaskKey) String() string {
	return fmt.Sprintf("fn(%d)#%x", uint32(k.Function), k.Fingerprint[:8])
}

// HandleKind discriminates the two Handle variants.
type HandleKind uint8

const (
	// KindOutput names the still-indirect output of a task; reading it
	// follows the task's output slot, possibly through further output
	// slots, until a cell is reached.
	KindOutput HandleKind = iota
	// KindCell names a specific cell slot directly.
	KindCell
)

// Handle is an indirect, serializable, hashable reference to a value
// produced by a task: either the (possibly still-pending) output of a
// task, or a specific cell of a task. Handles are cheap to copy.
type Handle struct {
	kind  HandleKind
	task  TaskID
	index CellIndex
}

// NewOutputHandle constructs the still-indirect handle to a task's output.
func NewOutputHandle(task TaskID) Handle {
	return Handle{kind: KindOutput, task: task}
}

// NewCellHandle constructs a direct reference to one of a task's cells.
func NewCellHandle(task TaskID, index CellIndex) Handle {
	return Handle{kind: KindCell, task: task, index: index}
}

// Kind reports which variant h is.
func (h Handle) Kind() HandleKind { return h.kind }

// IsResolved reports whether h is already a CellHandle.
func (h Handle) IsResolved() bool { return h.kind == KindCell }

// TaskID returns the task the handle (transitively) refers to.
func (h Handle) TaskID() TaskID { return h.task }

// CellIndex returns the cell index and true if h is a CellHandle; the
// zero index and false otherwise.
func (h Handle) CellIndex() (CellIndex, bool) {
	if h.kind != KindCell {
		return 0, false
	}
	return h.index, true
}

// SlotID returns the slot this handle directly names: a task's output
// slot for an OutputHandle, or the named cell for a CellHandle.
func (h Handle) SlotID() SlotID {
	if h.kind == KindCell {
		return SlotID{Task: h.task, Index: h.index}
	}
	return SlotID{Task: h.task, Index: OutputSlot}
}

func (h Handle) String() string {
	if h.kind == KindCell {
		return fmt.Sprintf("cell(task=%d,index=%d)", uint64(h.task), int(h.index))
	}
	return fmt.Sprintf("output(task=%d)", uint64(h.task))
}

// EqualFunc decides structural equality of two cell payloads of the same
// value type; it backs the equality-preserving republish rule.
type EqualFunc func(a, b any) bool

// FunctionDescriptor is what the registry stores for a registered task
// function: its name (for diagnostics and name-based rehydration) and its
// body.
type FunctionDescriptor struct {
	Name string
	Body TaskFunc
}

// TaskFunc is a user-defined, deterministic task body. It receives the
// arguments it was spawned with and a Runtime through which it may spawn
// further memoized tasks and publish its own cells. The engine requires
// task functions to be deterministic given their arguments and the values
// they read through the Runtime; it makes no other assumption about what
// they compute.
//
// A task body returns a Handle rather than a raw value: per §3, a task's
// output slot itself holds a handle, so the natural result of a task is
// either the CellHandle it just published to (via Runtime.Publish) or
// another task's handle it is delegating to outright. This is what lets
// output chains exist at all — a task's output can be indirection through
// another task rather than a terminal value.
type TaskFunc func(ctx context.Context, rt Runtime, args any) (Handle, error)

// Runtime is the capability surface available to a running task body: it
// may spawn further memoized tasks, await (read) any handle — including
// one it just spawned — recording a tracked dependency on the read
// path, and publish its own cells.
type Runtime interface {
	// Spawn returns the (possibly already-cached) output handle for fn
	// invoked with args, creating the task on first spawn.
	Spawn(fn FunctionID, args any) (Handle, error)
	// Read awaits h to a terminal cell and returns its value-type-id and
	// payload, suspending the calling task body until the value is
	// available and recording a tracked dependency edge for every hop
	// walked (§4.3, §4.5). This is how a task composes another task's
	// result into its own computation.
	Read(ctx context.Context, h Handle) (ValueTypeID, any, error)
	// Publish writes payload, tagged with valueType, to this task's cell
	// at index, and returns the CellHandle naming it. Equal
	// re-publication (same value type, structurally equal payload) leaves
	// the cell's version unchanged.
	Publish(index CellIndex, valueType ValueTypeID, payload any) (Handle, error)
}

// ValueTypeDescriptor is what the registry stores for a registered value
// type: its name, the equality function backing cell republish, and the
// set of trait types it satisfies.
type ValueTypeDescriptor struct {
	Name   string
	Equal  EqualFunc
	Traits map[TraitTypeID]struct{}
}

// HasTrait reports whether the value type is a member of trait t's set.
func (d ValueTypeDescriptor) HasTrait(t TraitTypeID) bool {
	_, ok := d.Traits[t]
	return ok
}

// TraitTypeDescriptor is what the registry stores for a registered trait
// type. Traits carry no behavior of their own in this engine; they are a
// predicate value types opt into (see ValueTypeDescriptor.Traits).
type TraitTypeDescriptor struct {
	Name string
}

// Logger is the minimal structured-logging surface used by backend.
// obslog.Logger implements it; NopLogger is the
// safe zero-value default for callers that don't configure one.
type Logger interface {
	TaskScheduled(task TaskID, fn FunctionID)
	TaskStarted(task TaskID)
	TaskFinished(task TaskID, failed bool)
	TaskInvalidated(task TaskID, slot SlotID)
	CellRepublishUnchanged(slot SlotID)
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) TaskScheduled(TaskID, FunctionID)    {}
func (NopLogger) TaskStarted(TaskID)                  {}
func (NopLogger) TaskFinished(TaskID, bool)           {}
func (NopLogger) TaskInvalidated(TaskID, SlotID)      {}
func (NopLogger) CellRepublishUnchanged(SlotID)       {}

// Error kinds surfaced by the core read path (§7 of the specification).

// TaskError wraps a failure produced by a task body; it is cached on the
// task and returned, unchanged, to every reader until an invalidation
// marks the task dirty again.
type TaskError struct {
	Task  TaskID
	Cause error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %d failed: %v", uint64(e.Task), e.Cause)
}

func (e *TaskError) Unwrap() error { return e.Cause }

// TypeMismatchError is returned when a typed read reaches a cell whose
// value-type-id does not satisfy the requested type or trait.
type TypeMismatchError struct {
	Slot     SlotID
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("%s: expected value type %s, got %s", e.Slot, e.Expected, e.Actual)
}

// NoContentError indicates a cell slot expected to be non-empty is empty.
type NoContentError struct {
	Slot SlotID
}

func (e *NoContentError) Error() string {
	return fmt.Sprintf("%s: no content", e.Slot)
}

// UntypedContentError indicates a cell holds a payload with no
// value-type-id tag, so a typed read cannot be satisfied.
type UntypedContentError struct {
	Slot SlotID
}

func (e *UntypedContentError) Error() string {
	return fmt.Sprintf("%s: untyped content", e.Slot)
}

// ReadError wraps a failure originating in the backend itself, as opposed
// to a failure produced by a task body.
type ReadError struct {
	Slot  SlotID
	Cause error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("%s: read error: %v", e.Slot, e.Cause)
}

func (e *ReadError) Unwrap() error { return e.Cause }

// CycleError is returned, instead of deadlocking, when a task's read path
// would require it to (transitively, within one synchronous call chain)
// observe its own output.
type CycleError struct {
	Task TaskID
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("task %d: self-dependency on its own read path", uint64(e.Task))
}

// ErrNotApplicable is returned by ResolveValue/ResolveTrait when a cell is
// reached but its value type does not satisfy the requested predicate; it
// is distinct from NoContentError and TypeMismatchError, matching the
// three-way distinction the resolution protocol draws between "empty",
// "wrong type" and "not applicable".
var ErrNotApplicable = errors.New("value does not satisfy the requested type or trait")
