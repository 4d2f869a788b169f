// Package engine wires together registry, backend, scheduler and handle
// into the embeddable task engine described by the specification's
// top-level operations: register, spawn, read. It plays the role
// script-weaver's cmd/scriptweaver/main.go and internal/pluginengine
// registry glue play for that teacher — the one place every subsystem
// is constructed and handed to every other subsystem — generalized from
// "run a DAG of shell-script tasks" to "run a memoizing graph of Go task
// functions".
package engine

import (
	"context"
	"fmt"

	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"taskengine/internal/backend"
	"taskengine/internal/core"
	"taskengine/internal/depgraph"
	"taskengine/internal/fingerprint"
	"taskengine/internal/handle"
	"taskengine/internal/registry"
	"taskengine/internal/scheduler"
)

func init() {
	// Best-effort: adjust GOMAXPROCS to the container's actual CPU quota.
	// Failure (e.g. running outside a cgroup, or an unreadable cgroupfs)
	// is intentionally swallowed: the fallback is the Go runtime's normal
	// host-CPU-count default, never a crash.
	_, _ = maxprocs.Set()
}

// Option configures an Engine at construction time.
type Option func(*config)

type config struct {
	workers int
	logger  core.Logger
}

// WithWorkerCount bounds the number of task bodies executing
// concurrently. A value <= 0 (the default) uses GOMAXPROCS.
func WithWorkerCount(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithLogger installs a structured logger observing lifecycle events
// (§10's ambient logging stack: logiface + the stumpy sink). Pass
// obslog.New(w) for human-readable diagnostic output, or nil (the
// default) to discard events.
func WithLogger(l core.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Engine is the embeddable, process-local task engine: one registry, one
// cell store, one bounded worker pool, sharing a lifetime with the ctx
// passed to New.
type Engine struct {
	reg   *registry.Registry
	be    *backend.Backend
	sched *scheduler.Scheduler
	res   *handle.Resolver
}

// New constructs an Engine and starts its worker pool against ctx;
// cancel ctx (or call Close) to stop it.
func New(ctx context.Context, opts ...Option) *Engine {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = core.NopLogger{}
	}

	reg := registry.New()
	be := backend.New(reg, logger)
	res := handle.NewResolver(be, reg)

	e := &Engine{reg: reg, be: be, res: res}

	e.sched = scheduler.New(ctx, cfg.workers, e.executeTask)
	be.SetReadyHook(e.sched.Enqueue)

	return e
}

// Close stops the worker pool, waiting for in-flight task bodies to
// return.
func (e *Engine) Close() { e.sched.Close() }

// RegisterFunction interns a task function under name, per §4.1. Every
// function an embedder ever spawns must be registered before first use;
// registration is expected to happen during process init.
func (e *Engine) RegisterFunction(name string, body core.TaskFunc) core.FunctionID {
	return e.reg.RegisterFunction(name, core.FunctionDescriptor{Body: body})
}

// RegisterValueType interns a value type under name with its
// equality-preserving-republish comparison function and trait
// memberships.
func (e *Engine) RegisterValueType(name string, equal core.EqualFunc, traits ...core.TraitTypeID) core.ValueTypeID {
	set := make(map[core.TraitTypeID]struct{}, len(traits))
	for _, t := range traits {
		set[t] = struct{}{}
	}
	return e.reg.RegisterValueType(name, core.ValueTypeDescriptor{Equal: equal, Traits: set})
}

// RegisterTraitType interns a trait type under name.
func (e *Engine) RegisterTraitType(name string) core.TraitTypeID {
	return e.reg.RegisterTraitType(name, core.TraitTypeDescriptor{})
}

// Spawn returns the (possibly already-memoized) output handle for fn
// invoked with args, per §3: two spawns whose (function, fingerprint of
// args) agree share one task.
func (e *Engine) Spawn(fn core.FunctionID, args any) (handle.Handle, error) {
	key, err := fingerprint.Of(fn, args)
	if err != nil {
		return handle.Handle{}, fmt.Errorf("engine: spawn: %w", err)
	}
	rec, _ := e.be.GetOrCreate(key, fn, args)
	return e.res.Bind(core.NewOutputHandle(rec.ID)), nil
}

// Read performs a top-level, normally-consistent read of h: the entry
// point for an embedder reading a result from outside any running task
// body. Called with a plain context (not one derived from a task's
// execution), there is no enclosing task to record a dependency edge
// against, so the read is effectively untracked.
func (e *Engine) Read(ctx context.Context, h handle.Handle) (core.ValueTypeID, any, error) {
	return h.Read(ctx)
}

// ReadStronglyConsistent is Read's strongly-consistent counterpart: it
// forces a task dirtied mid-flight to finish re-executing before the
// first output hop is accepted, per §4.5 and §8 property 6.
func (e *Engine) ReadStronglyConsistent(ctx context.Context, h handle.Handle) (core.ValueTypeID, any, error) {
	return h.ReadStronglyConsistent(ctx)
}

// ReadAll drives every handle in hs to completion concurrently and
// returns their payloads in the same order, mirroring next-dev/main.rs's
// single-root "run_once(async move { ... }).await.unwrap()" shape
// generalized to many roots: the first task error cancels the group and
// is returned, the same way a failed root future aborts that run.
func (e *Engine) ReadAll(ctx context.Context, hs ...handle.Handle) ([]any, error) {
	payloads := make([]any, len(hs))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hs {
		i, h := i, h
		g.Go(func() error {
			_, payload, err := h.Read(gctx)
			if err != nil {
				return err
			}
			payloads[i] = payload
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return payloads, nil
}

// Invalidate forces task dirty and reschedules it, for embedders that
// observe a change to an external input outside the engine's own
// dependency tracking (§4.2's Invalidate, e.g. a filesystem watch
// firing).
func (e *Engine) Invalidate(task core.TaskID) error {
	return e.be.Invalidate(task)
}

// taskRuntime is the per-execution core.Runtime handed to a task body: it
// closes over the executing task's own id so Publish writes to the right
// record.
type taskRuntime struct {
	e    *Engine
	self core.TaskID
}

func (rt *taskRuntime) Spawn(fn core.FunctionID, args any) (core.Handle, error) {
	h, err := rt.e.Spawn(fn, args)
	if err != nil {
		return core.Handle{}, err
	}
	return h.Raw(), nil
}

func (rt *taskRuntime) Read(ctx context.Context, h core.Handle) (core.ValueTypeID, any, error) {
	return rt.e.res.Bind(h).Read(ctx)
}

func (rt *taskRuntime) Publish(index core.CellIndex, valueType core.ValueTypeID, payload any) (core.Handle, error) {
	if err := rt.e.be.PublishCell(rt.self, index, valueType, payload); err != nil {
		return core.Handle{}, err
	}
	return core.NewCellHandle(rt.self, index), nil
}

// executeTask is the scheduler.ExecuteFunc installed in New: it
// dispatches rec from Scheduled to Running, sets up the task's active
// read-set and ancestor-cycle-detection context (§4.3, §9), invokes the
// registered function body with its original arguments, and hands the
// result to Backend.Finish — the single place a task's output, errors
// and read dependencies are reconciled.
func (e *Engine) executeTask(ctx context.Context, id core.TaskID) {
	rec, ok := e.be.Record(id)
	if !ok {
		return
	}
	if !e.be.Dispatch(rec) {
		return
	}

	desc, ok := e.reg.Function(rec.Fn)
	if !ok {
		_ = e.be.Finish(rec, core.Handle{}, fmt.Errorf("engine: task %d: unregistered function %d", uint64(id), uint32(rec.Fn)), nil)
		return
	}

	execCtx, readSet := depgraph.WithActive(ctx, id)
	self := &taskRuntime{e: e, self: id}

	// The raw body error is stored as-is; TryReadOutput is the single place
	// that wraps a cached task failure in *core.TaskError for readers, so a
	// read's Cause is always the body's own error, never a TaskError of a
	// TaskError.
	out, err := desc.Body(execCtx, self, rec.Args)

	_ = e.be.Finish(rec, out, err, readSet.Snapshot())
}
