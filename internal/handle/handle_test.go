package handle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskengine/internal/core"
	"taskengine/internal/depgraph"
)

// fakeBackend is an in-memory stand-in for *backend.Backend, built just
// large enough to exercise the resolution protocol's hop-following,
// pending-channel waits and error propagation.
type fakeBackend struct {
	outputs map[core.TaskID]core.Handle
	cells   map[core.SlotID]cellValue
}

type cellValue struct {
	valueType core.ValueTypeID
	payload   any
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		outputs: map[core.TaskID]core.Handle{},
		cells:   map[core.SlotID]cellValue{},
	}
}

func (f *fakeBackend) TryReadOutput(task core.TaskID, _ bool) (core.Handle, uint64, <-chan struct{}, error) {
	h, ok := f.outputs[task]
	if !ok {
		return core.Handle{}, 0, closedChan(), nil
	}
	return h, 1, nil, nil
}

func (f *fakeBackend) TryReadCell(task core.TaskID, index core.CellIndex) (core.ValueTypeID, any, uint64, <-chan struct{}, error) {
	v, ok := f.cells[core.SlotID{Task: task, Index: index}]
	if !ok {
		return 0, nil, 0, closedChan(), nil
	}
	return v.valueType, v.payload, 1, nil, nil
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeTypes struct {
	descriptors map[core.ValueTypeID]core.ValueTypeDescriptor
}

func (f *fakeTypes) ValueType(id core.ValueTypeID) (core.ValueTypeDescriptor, bool) {
	d, ok := f.descriptors[id]
	return d, ok
}

const (
	vtInt core.ValueTypeID = iota
	vtString
)

func TestHandle_Read_FollowsOutputChainToCell(t *testing.T) {
	be := newFakeBackend()
	types := &fakeTypes{descriptors: map[core.ValueTypeID]core.ValueTypeDescriptor{
		vtInt: {Name: "int"},
	}}
	r := NewResolver(be, types)

	// task 1's output delegates to task 2's output, which resolves to
	// task 2's cell 0.
	be.outputs[1] = core.NewOutputHandle(2)
	be.outputs[2] = core.NewCellHandle(2, 0)
	be.cells[core.SlotID{Task: 2, Index: 0}] = cellValue{valueType: vtInt, payload: 42}

	h := r.Bind(core.NewOutputHandle(1))
	vt, payload, err := h.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, vtInt, vt)
	require.Equal(t, 42, payload)
}

func TestHandle_Resolve_IsIdempotentOnACellHandle(t *testing.T) {
	be := newFakeBackend()
	r := NewResolver(be, &fakeTypes{})

	h := r.Bind(core.NewCellHandle(5, 2))
	resolved, err := h.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, h.Raw(), resolved.Raw())
}

func TestHandle_Read_DetectsSelfDependencyCycle(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewOutputHandle(1)
	r := NewResolver(be, &fakeTypes{})

	ctx, _ := depgraph.WithActive(context.Background(), core.TaskID(1))
	h := r.Bind(core.NewOutputHandle(1))

	_, _, err := h.Read(ctx)
	var cycleErr *core.CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, core.TaskID(1), cycleErr.Task)
}

func TestHandle_ReadTyped_MismatchReturnsTypeMismatchError(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewCellHandle(1, 0)
	be.cells[core.SlotID{Task: 1, Index: 0}] = cellValue{valueType: vtString, payload: "hi"}
	types := &fakeTypes{descriptors: map[core.ValueTypeID]core.ValueTypeDescriptor{
		vtInt:    {Name: "int"},
		vtString: {Name: "string"},
	}}
	r := NewResolver(be, types)

	h := r.Bind(core.NewOutputHandle(1))
	_, err := h.ReadTyped(context.Background(), vtInt, false)

	var mismatch *core.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "int", mismatch.Expected)
	require.Equal(t, "string", mismatch.Actual)
}

func TestHandle_ResolveValue_NotApplicableOnWrongType(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewCellHandle(1, 0)
	be.cells[core.SlotID{Task: 1, Index: 0}] = cellValue{valueType: vtString, payload: "hi"}
	r := NewResolver(be, &fakeTypes{})

	h := r.Bind(core.NewOutputHandle(1))
	_, err := h.ResolveValue(context.Background(), vtInt)
	require.ErrorIs(t, err, core.ErrNotApplicable)
}

func TestHandle_ResolveTrait_SucceedsWhenValueTypeHasTrait(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewCellHandle(1, 0)
	be.cells[core.SlotID{Task: 1, Index: 0}] = cellValue{valueType: vtString, payload: "hi"}

	const traitStringy core.TraitTypeID = 0
	types := &fakeTypes{descriptors: map[core.ValueTypeID]core.ValueTypeDescriptor{
		vtString: {Name: "string", Traits: map[core.TraitTypeID]struct{}{traitStringy: {}}},
	}}
	r := NewResolver(be, types)

	h := r.Bind(core.NewOutputHandle(1))
	resolved, err := h.ResolveTrait(context.Background(), traitStringy)
	require.NoError(t, err)
	require.True(t, resolved.IsResolved())
}

func TestHandle_Read_RecordsDependencyEdgesOnActiveReadSet(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewCellHandle(1, 0)
	be.cells[core.SlotID{Task: 1, Index: 0}] = cellValue{valueType: vtInt, payload: 7}
	r := NewResolver(be, &fakeTypes{})

	ctx, rs := depgraph.WithActive(context.Background(), core.TaskID(99))
	h := r.Bind(core.NewOutputHandle(1))
	_, _, err := h.Read(ctx)
	require.NoError(t, err)

	snap := rs.Snapshot()
	require.Contains(t, snap, core.SlotID{Task: 1, Index: core.OutputSlot})
	require.Contains(t, snap, core.SlotID{Task: 1, Index: 0})
}

func TestHandle_ReadUntracked_RecordsNoDependencyEdges(t *testing.T) {
	be := newFakeBackend()
	be.outputs[1] = core.NewCellHandle(1, 0)
	be.cells[core.SlotID{Task: 1, Index: 0}] = cellValue{valueType: vtInt, payload: 7}
	r := NewResolver(be, &fakeTypes{})

	ctx, rs := depgraph.WithActive(context.Background(), core.TaskID(99))
	h := r.Bind(core.NewOutputHandle(1))
	_, _, err := h.ReadUntracked(ctx)
	require.NoError(t, err)

	require.Empty(t, rs.Snapshot())
}
