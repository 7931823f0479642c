package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New[int](10)
	ctx := context.Background()

	for _, v := range []int{1, 2, 3} {
		ok, err := q.Enqueue(ctx, nil, v, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, want := range []int{1, 2, 3} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestQueue_HigherPriorityDequeuesFirst(t *testing.T) {
	q := New[string](10)
	ctx := context.Background()

	mustEnqueue(t, q, ctx, "low-1", 0)
	mustEnqueue(t, q, ctx, "low-2", 0)
	mustEnqueue(t, q, ctx, "high", 1)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "high", got)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low-1", got)
}

func TestQueue_EnqueueBlocksUntilCapacityFrees(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, 1, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ok, err := q.Enqueue(ctx, nil, 2, 0)
		assert.NoError(t, err)
		assert.True(t, ok)
	}()

	select {
	case <-done:
		t.Fatal("enqueue should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue did not resume after capacity freed")
	}
}

func TestQueue_DequeueBlocksUntilItemArrives(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()

	got := make(chan int, 1)
	go func() {
		v, err := q.Dequeue(ctx)
		assert.NoError(t, err)
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	mustEnqueue(t, q, ctx, 7, 0)

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not resume after enqueue")
	}
}

func TestQueue_CloseWakesBlockedWriterWithFalse(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, 1, 0)

	result := make(chan bool, 1)
	go func() {
		ok, err := q.Enqueue(ctx, nil, 2, 0)
		assert.NoError(t, err)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not woken by close")
	}
}

func TestQueue_CloseDrainsThenFailsDequeue(t *testing.T) {
	q := New[int](10)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, 1, 0)
	q.Close()

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueue_EnqueueAfterCloseReturnsFalse(t *testing.T) {
	q := New[int](10)
	q.Close()

	ok, err := q.Enqueue(context.Background(), nil, 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_SecondPendingSendFromSameCallerFailsFast(t *testing.T) {
	q := New[int](1)
	ctx := context.Background()
	mustEnqueue(t, q, ctx, 1, 0)

	caller := "producer-1"
	started := make(chan struct{})
	go func() {
		close(started)
		// Blocks: the queue is full.
		_, _ = q.Enqueue(ctx, caller, 2, 0)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	_, err := q.Enqueue(ctx, caller, 3, 0)
	assert.ErrorIs(t, err, ErrPendingSend)

	q.Close()
}

func TestQueue_UpdateMutatesInPlaceWithoutReordering(t *testing.T) {
	type item struct {
		id      int
		evicted bool
	}
	q := New[*item](10)
	ctx := context.Background()
	items := []*item{{id: 1}, {id: 2}, {id: 3}}
	for _, it := range items {
		mustEnqueue(t, q, ctx, it, 0)
	}

	q.Update(
		func(it *item) bool { return it.id == 2 },
		func(it *item) *item { it.evicted = true; return it },
	)

	for _, want := range []int{1, 2, 3} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.id)
		assert.Equal(t, want == 2, got.evicted)
	}
}

func TestQueue_IterateDrainsUntilClosed(t *testing.T) {
	q := New[int](10)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		mustEnqueue(t, q, ctx, i, 0)
	}
	q.Close()

	var got []int
	for v := range q.Iterate(ctx) {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := New[int](4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ok, err := q.Enqueue(ctx, nil, i, 0)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
		q.Close()
	}()

	var got []int
	go func() {
		defer wg.Done()
		for {
			v, err := q.Dequeue(ctx)
			if err != nil {
				return
			}
			got = append(got, v)
		}
	}()
	wg.Wait()

	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func mustEnqueue[T any](t *testing.T, q *Queue[T], ctx context.Context, v T, priority int) {
	t.Helper()
	ok, err := q.Enqueue(ctx, nil, v, priority)
	require.NoError(t, err)
	require.True(t, ok)
}
