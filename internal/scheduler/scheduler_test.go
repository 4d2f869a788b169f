package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskengine/internal/core"
)

func TestScheduler_EnqueueExecutesEveryTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[core.TaskID]bool{}
	var wg sync.WaitGroup
	wg.Add(3)

	s := New(ctx, 2, func(_ context.Context, id core.TaskID) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		wg.Done()
	})
	defer s.Close()

	s.Enqueue(1)
	s.Enqueue(2)
	s.Enqueue(3)

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, seen[1])
	require.True(t, seen[2])
	require.True(t, seen[3])
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const parallelism = 2
	var mu sync.Mutex
	current, peak := 0, 0
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(5)

	s := New(ctx, parallelism, func(_ context.Context, _ core.TaskID) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()

		<-release

		mu.Lock()
		current--
		mu.Unlock()
		wg.Done()
	})
	defer s.Close()

	for i := core.TaskID(1); i <= 5; i++ {
		s.Enqueue(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, parallelism, "scheduler must never run more than its configured parallelism concurrently")
}

func TestScheduler_CloseStopsDispatchingNewWork(t *testing.T) {
	ctx := context.Background()
	var calls int
	var mu sync.Mutex

	s := New(ctx, 1, func(_ context.Context, _ core.TaskID) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	s.Close()

	s.Enqueue(1)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, calls, "a closed scheduler must not dispatch newly enqueued work")
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for scheduled work to complete")
	}
}
