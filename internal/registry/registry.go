// Package registry assigns stable, dense integer IDs to function, value
// type and trait type descriptors and provides reverse lookup by name.
//
// It is grounded on turbo-tasks' registry.rs: three entirely independent
// namespaces (functions, value types, trait types), each an append-only,
// idempotent-on-name interning table with by-name and by-id reverse
// lookup. registry.rs backs its tables with flurry's lock-free concurrent
// HashMap plus a NoMoveVec so registered descriptors never relocate and
// reads never block. This package reaches the same "reads never block,
// storage never relocates" property with an idiomatic Go construction
// instead: each table publishes an immutable snapshot (descriptors slice +
// name index) through an atomic.Pointer, swapped via copy-on-write under a
// registration-only mutex. Registration is expected to be rare (process
// init, per §4.1), so the O(n) copy on each new registration is cheap
// relative to the lock-free reads it buys every other caller.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"taskengine/internal/core"
)

// table is the generic implementation shared by all three namespaces.
type table[ID ~uint32, D any] struct {
	mu       sync.Mutex // registration only; readers never take it
	snapshot atomic.Pointer[tableSnapshot[ID, D]]
}

type tableSnapshot[ID ~uint32, D any] struct {
	descriptors []D
	names       []string
	byName      map[string]ID
}

func newTable[ID ~uint32, D any]() *table[ID, D] {
	t := &table[ID, D]{}
	t.snapshot.Store(&tableSnapshot[ID, D]{byName: map[string]ID{}})
	return t
}

// register is idempotent: a second registration under the same name
// returns the id allocated by the first. Concurrent registrations of the
// same name are resolved by t.mu acting as the check-then-insert lock
// described in §4.1; the loser observes the winner's id rather than
// allocating a gap.
func (t *table[ID, D]) register(name string, descriptor D) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.snapshot.Load()
	if id, ok := cur.byName[name]; ok {
		return id
	}

	id := ID(len(cur.descriptors))

	descriptors := make([]D, len(cur.descriptors), len(cur.descriptors)+1)
	copy(descriptors, cur.descriptors)
	descriptors = append(descriptors, descriptor)

	names := make([]string, len(cur.names), len(cur.names)+1)
	copy(names, cur.names)
	names = append(names, name)

	byName := make(map[string]ID, len(cur.byName)+1)
	for k, v := range cur.byName {
		byName[k] = v
	}
	byName[name] = id

	t.snapshot.Store(&tableSnapshot[ID, D]{descriptors: descriptors, names: names, byName: byName})
	return id
}

func (t *table[ID, D]) idByName(name string) (ID, bool) {
	cur := t.snapshot.Load()
	id, ok := cur.byName[name]
	return id, ok
}

func (t *table[ID, D]) descriptorOf(id ID) (D, bool) {
	cur := t.snapshot.Load()
	if int(id) < 0 || int(id) >= len(cur.descriptors) {
		var zero D
		return zero, false
	}
	return cur.descriptors[int(id)], true
}

func (t *table[ID, D]) nameOf(id ID) (string, bool) {
	cur := t.snapshot.Load()
	if int(id) < 0 || int(id) >= len(cur.names) {
		return "", false
	}
	return cur.names[int(id)], true
}

// Registry is the process-global interning table for the three descriptor
// kinds the engine needs stable integer ids for.
type Registry struct {
	functions  *table[core.FunctionID, core.FunctionDescriptor]
	valueTypes *table[core.ValueTypeID, core.ValueTypeDescriptor]
	traitTypes *table[core.TraitTypeID, core.TraitTypeDescriptor]
}

// New returns an empty registry. A Registry is intended to live for the
// lifetime of one engine/process, per the no-GC-of-descriptors non-goal.
func New() *Registry {
	return &Registry{
		functions:  newTable[core.FunctionID, core.FunctionDescriptor](),
		valueTypes: newTable[core.ValueTypeID, core.ValueTypeDescriptor](),
		traitTypes: newTable[core.TraitTypeID, core.TraitTypeDescriptor](),
	}
}

// RegisterFunction interns d under name, returning its stable FunctionID.
func (r *Registry) RegisterFunction(name string, d core.FunctionDescriptor) core.FunctionID {
	d.Name = name
	return r.functions.register(name, d)
}

// RegisterValueType interns d under name, returning its stable ValueTypeID.
func (r *Registry) RegisterValueType(name string, d core.ValueTypeDescriptor) core.ValueTypeID {
	d.Name = name
	return r.valueTypes.register(name, d)
}

// RegisterTraitType interns d under name, returning its stable TraitTypeID.
func (r *Registry) RegisterTraitType(name string, d core.TraitTypeDescriptor) core.TraitTypeID {
	d.Name = name
	return r.traitTypes.register(name, d)
}

// FunctionIDByName, ValueTypeIDByName and TraitTypeIDByName are the
// by-name reverse lookups for each namespace.
func (r *Registry) FunctionIDByName(name string) (core.FunctionID, bool) {
	return r.functions.idByName(name)
}

func (r *Registry) ValueTypeIDByName(name string) (core.ValueTypeID, bool) {
	return r.valueTypes.idByName(name)
}

func (r *Registry) TraitTypeIDByName(name string) (core.TraitTypeID, bool) {
	return r.traitTypes.idByName(name)
}

// Function, ValueType and TraitType are total-on-registered-ids descriptor
// lookups; the bool reports whether id was ever registered.
func (r *Registry) Function(id core.FunctionID) (core.FunctionDescriptor, bool) {
	return r.functions.descriptorOf(id)
}

func (r *Registry) ValueType(id core.ValueTypeID) (core.ValueTypeDescriptor, bool) {
	return r.valueTypes.descriptorOf(id)
}

func (r *Registry) TraitType(id core.TraitTypeID) (core.TraitTypeDescriptor, bool) {
	return r.traitTypes.descriptorOf(id)
}

// FunctionName, ValueTypeName and TraitTypeName are the by-id reverse
// name lookups for each namespace.
func (r *Registry) FunctionName(id core.FunctionID) (string, bool) { return r.functions.nameOf(id) }
func (r *Registry) ValueTypeName(id core.ValueTypeID) (string, bool) {
	return r.valueTypes.nameOf(id)
}
func (r *Registry) TraitTypeName(id core.TraitTypeID) (string, bool) {
	return r.traitTypes.nameOf(id)
}

// MustFunction, MustValueType and MustTraitType panic on an unregistered
// id. Per §4.1, registration is expected to complete during process init;
// an unregistered lookup afterward is a programmer error, not a runtime
// condition callers should recover from (§7: "unregistered descriptor
// lookups are programmer errors and abort the process").
func (r *Registry) MustFunction(id core.FunctionID) core.FunctionDescriptor {
	d, ok := r.functions.descriptorOf(id)
	if !ok {
		panic(fmt.Sprintf("registry: unregistered function id %d", uint32(id)))
	}
	return d
}

func (r *Registry) MustValueType(id core.ValueTypeID) core.ValueTypeDescriptor {
	d, ok := r.valueTypes.descriptorOf(id)
	if !ok {
		panic(fmt.Sprintf("registry: unregistered value type id %d", uint32(id)))
	}
	return d
}

func (r *Registry) MustTraitType(id core.TraitTypeID) core.TraitTypeDescriptor {
	d, ok := r.traitTypes.descriptorOf(id)
	if !ok {
		panic(fmt.Sprintf("registry: unregistered trait type id %d", uint32(id)))
	}
	return d
}
