package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskengine/engine"
	"taskengine/internal/core"
)

const vtInt core.ValueTypeID = 1

func withTimeout(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func TestEngine_SpawnIsMemoizedByArguments(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	var calls atomic.Int32
	fn := eng.RegisterFunction("count", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		calls.Add(1)
		return rt.Publish(0, vtInt, args)
	})

	h1, err := eng.Spawn(fn, 7)
	require.NoError(t, err)
	h2, err := eng.Spawn(fn, 7)
	require.NoError(t, err)
	require.Equal(t, h1.TaskID(), h2.TaskID(), "spawning with equal arguments must share one task")

	_, payload, err := eng.Read(ctx, h1)
	require.NoError(t, err)
	require.Equal(t, 7, payload)

	h3, err := eng.Spawn(fn, 8)
	require.NoError(t, err)
	require.NotEqual(t, h1.TaskID(), h3.TaskID(), "spawning with different arguments must create a distinct task")

	_, _, err = eng.Read(ctx, h1)
	require.NoError(t, err)
	_, _, err = eng.Read(ctx, h3)
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load(), "two distinct argument sets must execute exactly once each, regardless of how many times each is spawned or read")
}

func TestEngine_TaskComposesAnotherTaskThroughSpawnAndRead(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	double := eng.RegisterFunction("double", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		n := args.(int)
		return rt.Publish(0, vtInt, n*2)
	})

	plusOne := eng.RegisterFunction("double-plus-one", func(ctx context.Context, rt core.Runtime, args any) (core.Handle, error) {
		n := args.(int)
		sub, err := rt.Spawn(double, n)
		if err != nil {
			return core.Handle{}, err
		}
		_, doubled, err := rt.Read(ctx, sub)
		if err != nil {
			return core.Handle{}, err
		}
		return rt.Publish(0, vtInt, doubled.(int)+1)
	})

	h, err := eng.Spawn(plusOne, 10)
	require.NoError(t, err)

	_, payload, err := eng.Read(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 21, payload)
}

func TestEngine_TaskDelegatesOutputToAnotherTask(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	inner := eng.RegisterFunction("inner", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		return rt.Publish(0, vtInt, args.(int)*10)
	})
	outer := eng.RegisterFunction("outer", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		// Delegate entirely: outer's output IS inner's output handle.
		return rt.Spawn(inner, args)
	})

	h, err := eng.Spawn(outer, 4)
	require.NoError(t, err)

	_, payload, err := eng.Read(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 40, payload, "reading an output-chain handle must follow through to the delegate's cell")
}

func TestEngine_InvalidateForcesStronglyConsistentReadToObserveNewValue(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	external := int32(1)
	fn := eng.RegisterFunction("read-external", func(_ context.Context, rt core.Runtime, _ any) (core.Handle, error) {
		return rt.Publish(0, vtInt, int(atomic.LoadInt32(&external)))
	})

	h, err := eng.Spawn(fn, nil)
	require.NoError(t, err)

	_, payload, err := eng.ReadStronglyConsistent(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 1, payload)

	atomic.StoreInt32(&external, 2)
	require.NoError(t, eng.Invalidate(h.TaskID()))

	_, payload, err = eng.ReadStronglyConsistent(ctx, h)
	require.NoError(t, err)
	require.Equal(t, 2, payload, "a strongly consistent read after Invalidate must observe the re-executed value")
}

func TestEngine_TaskErrorIsCachedAndReturnedToReaders(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	boom := errors.New("boom")
	fn := eng.RegisterFunction("fails", func(_ context.Context, _ core.Runtime, _ any) (core.Handle, error) {
		return core.Handle{}, boom
	})

	h, err := eng.Spawn(fn, nil)
	require.NoError(t, err)

	_, _, err = eng.Read(ctx, h)
	var taskErr *core.TaskError
	require.ErrorAs(t, err, &taskErr)
	require.ErrorIs(t, err, boom)

	// A second read observes the same cached failure without re-running
	// the body (fmt.Sprint gives a readable failure message if it ever
	// regresses to re-executing and producing a different wrapped error).
	_, _, err2 := eng.Read(ctx, h)
	require.Equal(t, fmt.Sprint(err), fmt.Sprint(err2))
}

func TestEngine_ReadAllReadsMultipleRootsConcurrently(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	fn := eng.RegisterFunction("square", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		n := args.(int)
		return rt.Publish(0, vtInt, n*n)
	})

	h1, err := eng.Spawn(fn, 3)
	require.NoError(t, err)
	h2, err := eng.Spawn(fn, 4)
	require.NoError(t, err)
	h3, err := eng.Spawn(fn, 5)
	require.NoError(t, err)

	results, err := eng.ReadAll(ctx, h1, h2, h3)
	require.NoError(t, err)
	require.Equal(t, []any{9, 16, 25}, results)
}

func TestEngine_ReadAllReturnsFirstTaskError(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx)
	defer eng.Close()

	boom := errors.New("boom")
	ok := eng.RegisterFunction("ok", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		return rt.Publish(0, vtInt, args)
	})
	fails := eng.RegisterFunction("fails", func(_ context.Context, _ core.Runtime, _ any) (core.Handle, error) {
		return core.Handle{}, boom
	})

	h1, err := eng.Spawn(ok, 1)
	require.NoError(t, err)
	h2, err := eng.Spawn(fails, nil)
	require.NoError(t, err)

	_, err = eng.ReadAll(ctx, h1, h2)
	require.ErrorIs(t, err, boom)
}

func TestEngine_ConcurrentSpawnOfEqualArgumentsConverges(t *testing.T) {
	ctx, cancel := withTimeout(t)
	defer cancel()

	eng := engine.New(ctx, engine.WithWorkerCount(4))
	defer eng.Close()

	fn := eng.RegisterFunction("identity", func(_ context.Context, rt core.Runtime, args any) (core.Handle, error) {
		return rt.Publish(0, vtInt, args)
	})

	const n = 32
	ids := make(chan core.TaskID, n)
	for i := 0; i < n; i++ {
		go func() {
			h, err := eng.Spawn(fn, "shared")
			require.NoError(t, err)
			ids <- h.TaskID()
		}()
	}

	first := <-ids
	for i := 1; i < n; i++ {
		require.Equal(t, first, <-ids)
	}
}
