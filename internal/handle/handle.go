// Package handle implements §4.5's resolution protocol: the read loop
// that walks a Handle's output chain to a terminal cell, the single-level
// strong-consistency rule, and the resolve/typed-read/trait-resolution
// operations the specification lists as distinct handle methods.
//
// Grounded directly on raw_vc.rs's ReadRawVcFuture: it issues
// try_read_task_output with strongly_consistent only on the first hop,
// then follows TaskOutput(..) handles with strongly_consistent=false,
// until it reaches a TaskCell and reads it. resolve()/resolve_value()/
// resolve_trait()/is_resolved()/task_id() are kept as distinct methods
// here for the same reason raw_vc.rs keeps them distinct: resolve() never
// touches cell content, so it is far cheaper than a full read, and
// resolve_value/resolve_trait need a third outcome ("not applicable")
// that plain type-mismatch reads don't have.
package handle

import (
	"context"
	"fmt"

	"taskengine/internal/core"
	"taskengine/internal/depgraph"
)

// Backend is the narrow backend surface the resolution protocol needs.
// *backend.Backend satisfies it.
type Backend interface {
	TryReadOutput(task core.TaskID, stronglyConsistent bool) (handle core.Handle, version uint64, pending <-chan struct{}, err error)
	TryReadCell(task core.TaskID, index core.CellIndex) (valueType core.ValueTypeID, payload any, version uint64, pending <-chan struct{}, err error)
}

// TypeIndex is the narrow registry surface needed to name and classify
// value types. *registry.Registry satisfies it.
type TypeIndex interface {
	ValueType(id core.ValueTypeID) (core.ValueTypeDescriptor, bool)
}

// Resolver binds a Backend and TypeIndex so Handle values can resolve
// themselves without carrying those dependencies around by hand.
type Resolver struct {
	be    Backend
	types TypeIndex
}

// NewResolver returns a Resolver backed by be and types.
func NewResolver(be Backend, types TypeIndex) *Resolver {
	return &Resolver{be: be, types: types}
}

// Bind attaches r to raw, producing a Handle whose methods implement the
// resolution protocol.
func (r *Resolver) Bind(raw core.Handle) Handle {
	return Handle{raw: raw, r: r}
}

// Handle is a core.Handle bound to the Resolver that can walk its output
// chain. It is the public handle type engine callers read through.
type Handle struct {
	raw core.Handle
	r   *Resolver
}

// Raw returns the unbound core.Handle, for serialization or storage as a
// map key.
func (h Handle) Raw() core.Handle { return h.raw }

// IsResolved reports whether h is already a CellHandle.
func (h Handle) IsResolved() bool { return h.raw.IsResolved() }

// TaskID returns the task h (transitively) refers to.
func (h Handle) TaskID() core.TaskID { return h.raw.TaskID() }

// Read performs a tracked, normally-consistent read: it follows h's
// output chain (each hop after the first non-strong) to a cell and
// returns that cell's value-type-id and payload.
func (h Handle) Read(ctx context.Context) (core.ValueTypeID, any, error) {
	return h.read(ctx, false)
}

// ReadStronglyConsistent forces the first output hop to refuse a
// Done-but-dirty result, triggering re-execution before returning,
// rather than observing a stale cached output (§4.5, §8 property 6).
// Every hop after the first uses normal consistency, because dirtying is
// already transitive by the time a dirty task is forced to re-run: see
// DESIGN.md's Open Questions for why this is correct and not an
// approximation.
func (h Handle) ReadStronglyConsistent(ctx context.Context) (core.ValueTypeID, any, error) {
	return h.read(ctx, true)
}

// ReadUntracked reads without recording a dependency edge (§4.3, §9): an
// explicit escape hatch for diagnostics that must not appear on a
// production read path, since it silently breaks invalidation for
// whatever reads through it.
func (h Handle) ReadUntracked(ctx context.Context) (core.ValueTypeID, any, error) {
	return h.read(depgraph.Untrack(ctx), false)
}

// ReadTyped performs a tracked read and validates the terminal cell's
// value-type-id against expected, returning *core.TypeMismatchError
// instead of the payload on a mismatch.
func (h Handle) ReadTyped(ctx context.Context, expected core.ValueTypeID, stronglyConsistent bool) (any, error) {
	vt, payload, err := h.read(ctx, stronglyConsistent)
	if err != nil {
		return nil, err
	}
	if vt != expected {
		return nil, h.mismatch(expected, vt)
	}
	return payload, nil
}

func (h Handle) mismatch(expected, actual core.ValueTypeID) error {
	expName, _ := h.r.types.ValueType(expected)
	actName, _ := h.r.types.ValueType(actual)
	return &core.TypeMismatchError{
		Slot:     h.raw.SlotID(),
		Expected: expName.Name,
		Actual:   actName.Name,
	}
}

// Resolve collapses h to its terminal CellHandle without reading any
// payload, following output hops at normal consistency. It is idempotent:
// resolving an already-resolved handle returns it unchanged.
func (h Handle) Resolve(ctx context.Context) (Handle, error) {
	if h.raw.Kind() == core.KindCell {
		return h, nil
	}

	cur := h.raw
	for cur.Kind() == core.KindOutput {
		if depgraph.IsAncestor(ctx, cur.TaskID()) {
			return Handle{}, &core.CycleError{Task: cur.TaskID()}
		}
		next, version, pending, err := h.r.be.TryReadOutput(cur.TaskID(), false)
		if err != nil {
			return Handle{}, err
		}
		if pending != nil {
			if werr := wait(ctx, pending); werr != nil {
				return Handle{}, werr
			}
			continue
		}
		recordRead(ctx, core.SlotID{Task: cur.TaskID(), Index: core.OutputSlot}, version)
		cur = next
	}
	return Handle{raw: cur, r: h.r}, nil
}

// ResolveValue resolves h and returns it iff the terminal cell's
// value-type-id is exactly expected; otherwise core.ErrNotApplicable,
// distinct from the "empty" and "wrong type" outcomes a plain typed read
// produces.
func (h Handle) ResolveValue(ctx context.Context, expected core.ValueTypeID) (Handle, error) {
	resolved, err := h.Resolve(ctx)
	if err != nil {
		return Handle{}, err
	}
	vt, err := resolved.peekType(ctx)
	if err != nil {
		return Handle{}, err
	}
	if vt != expected {
		return Handle{}, core.ErrNotApplicable
	}
	return resolved, nil
}

// ResolveTrait resolves h and returns it iff the terminal cell's value
// type is a member of trait's set.
func (h Handle) ResolveTrait(ctx context.Context, trait core.TraitTypeID) (Handle, error) {
	resolved, err := h.Resolve(ctx)
	if err != nil {
		return Handle{}, err
	}
	vt, err := resolved.peekType(ctx)
	if err != nil {
		return Handle{}, err
	}
	d, ok := h.r.types.ValueType(vt)
	if !ok || !d.HasTrait(trait) {
		return Handle{}, core.ErrNotApplicable
	}
	return resolved, nil
}

// peekType reads just enough of a resolved handle's cell to learn its
// value-type-id, recording the same dependency edge a full read would.
func (h Handle) peekType(ctx context.Context) (core.ValueTypeID, error) {
	idx, ok := h.raw.CellIndex()
	if !ok {
		return 0, fmt.Errorf("handle: peekType called on an unresolved handle")
	}
	vt, _, err := readCell(ctx, h.r.be, h.raw.TaskID(), idx)
	return vt, err
}

// read is the shared implementation of Read/ReadStronglyConsistent/
// ReadUntracked: it walks output hops (strong only on the first) and
// finishes by reading the terminal cell.
func (h Handle) read(ctx context.Context, stronglyConsistent bool) (core.ValueTypeID, any, error) {
	cur := h.raw
	strong := stronglyConsistent

	for cur.Kind() == core.KindOutput {
		if depgraph.IsAncestor(ctx, cur.TaskID()) {
			return 0, nil, &core.CycleError{Task: cur.TaskID()}
		}
		next, version, pending, err := h.r.be.TryReadOutput(cur.TaskID(), strong)
		if err != nil {
			return 0, nil, err
		}
		if pending != nil {
			if werr := wait(ctx, pending); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		recordRead(ctx, core.SlotID{Task: cur.TaskID(), Index: core.OutputSlot}, version)
		cur = next
		strong = false // only the first hop is strongly consistent
	}

	idx, _ := cur.CellIndex()
	return readCell(ctx, h.r.be, cur.TaskID(), idx)
}

func readCell(ctx context.Context, be Backend, task core.TaskID, idx core.CellIndex) (core.ValueTypeID, any, error) {
	for {
		vt, payload, version, pending, err := be.TryReadCell(task, idx)
		if err != nil {
			return 0, nil, err
		}
		if pending != nil {
			if werr := wait(ctx, pending); werr != nil {
				return 0, nil, werr
			}
			continue
		}
		recordRead(ctx, core.SlotID{Task: task, Index: idx}, version)
		return vt, payload, nil
	}
}

func recordRead(ctx context.Context, slot core.SlotID, version uint64) {
	if rs, _, ok := depgraph.ActiveReadSet(ctx); ok {
		rs.Record(slot, version)
	}
}

func wait(ctx context.Context, pending <-chan struct{}) error {
	select {
	case <-pending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
