// Package scheduler runs task bodies on a bounded worker pool: a channel
// of ready task ids feeding goroutines gated by a weighted semaphore,
// grounded on bufbuild-protocompile's experimental/incremental Executor
// (parallelism defaults to GOMAXPROCS via automaxprocs, bounded by
// semaphore.Weighted) and on script-weaver's dag.Executor.RunParallel for
// the worker-loop/dispatch-channel shape, adapted from RunParallel's
// depth-staged, one-shot batch dispatch into a long-lived ready-queue
// consumer: this engine has no fixed depth ordering, since readiness is
// driven by invalidation arriving at arbitrary times rather than a
// static DAG walk.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"taskengine/internal/core"
)

// ExecuteFunc runs one task to completion (success or failure handled
// internally; it does not return an error to the scheduler, since a task
// failure is a cached outcome, not a scheduler-level fault).
type ExecuteFunc func(ctx context.Context, task core.TaskID)

// Scheduler is the bounded worker pool driving task execution. It is the
// ReadyHook target a backend.Backend reports newly-runnable tasks to.
type Scheduler struct {
	execute ExecuteFunc
	sema    *semaphore.Weighted

	ready chan core.TaskID

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New returns a Scheduler bounded to parallelism concurrent executions
// (GOMAXPROCS if parallelism <= 0, matching the teacher's default), and
// starts its dispatch loop against ctx. Call Close to stop it.
func New(ctx context.Context, parallelism int, execute ExecuteFunc) *Scheduler {
	if parallelism <= 0 {
		parallelism = maxProcs()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		execute: execute,
		sema:    semaphore.NewWeighted(int64(parallelism)),
		ready:   make(chan core.TaskID, 1024),
		cancel:  cancel,
	}

	s.wg.Add(1)
	go s.dispatchLoop(runCtx)
	return s
}

// Enqueue submits task as ready to run. It is safe to call from any
// goroutine, in particular from a backend.ReadyHook callback. It never
// blocks the caller on the worker-pool semaphore: queuing is decoupled
// from dispatch via the buffered ready channel, so a burst of
// invalidations reported synchronously from within Finish cannot
// deadlock waiting for a worker slot.
func (s *Scheduler) Enqueue(task core.TaskID) {
	select {
	case s.ready <- task:
	default:
		// Ready channel full: dispatch in a new goroutine so a pathological
		// burst of simultaneous invalidations still can't block the caller.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ready <- task
		}()
	}
}

// NotifyScheduledTasks is a deliberate no-op: per §4.4, the scheduler's
// only externally observable contract is "every Scheduled task is
// eventually Dispatched", which Enqueue plus dispatchLoop already
// satisfy unconditionally. It exists so callers migrating from a
// push-only event model (where a batch boundary must be signalled
// explicitly) have a named place to call; this scheduler needs no such
// signal because it has no batching phase to close.
func (s *Scheduler) NotifyScheduledTasks() {}

// Close stops the dispatch loop and waits for in-flight workers to
// finish their current execute call.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-s.ready:
			if err := s.sema.Acquire(ctx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go func(id core.TaskID) {
				defer s.wg.Done()
				defer s.sema.Release(1)
				s.execute(ctx, id)
			}(task)
		}
	}
}
