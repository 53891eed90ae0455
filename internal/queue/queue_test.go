package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := New[string](4)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, k))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Unfinished())

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 3, q.Unfinished(), "taking an item does not acknowledge it")
}

func TestQueue_GetIdleTimeout(t *testing.T) {
	q := New[int](1)

	start := time.Now()
	_, err := q.Get(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdle)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestQueue_GetContextCancelled(t *testing.T) {
	q := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := q.Get(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_PutBlocksWhenFull(t *testing.T) {
	ctx := context.Background()
	q := New[int](2)
	require.NoError(t, q.Put(ctx, 1))
	require.NoError(t, q.Put(ctx, 2))

	put := make(chan error, 1)
	go func() { put <- q.Put(ctx, 3) }()

	select {
	case <-put:
		t.Fatal("put on a full queue returned before space was freed")
	case <-time.After(20 * time.Millisecond):
	}

	got, err := q.Get(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, got)

	select {
	case err := <-put:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("put did not resume after Get")
	}
	assert.Equal(t, 2, q.Len())
}

func TestQueue_PutContextCancelled(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Put(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(ctx, 2), context.DeadlineExceeded)
	assert.Equal(t, 1, q.Unfinished())
}

func TestQueue_RequeueKeepsUnfinishedAndIgnoresCapacity(t *testing.T) {
	ctx := context.Background()
	q := New[string](1)
	require.NoError(t, q.Put(ctx, "a"))

	item, err := q.Get(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, "b"))

	q.Requeue(item)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 2, q.Unfinished())

	first, _ := q.Get(ctx, time.Second)
	second, _ := q.Get(ctx, time.Second)
	assert.Equal(t, []string{"b", "a"}, []string{first, second}, "requeued items go to the tail")
}

func TestQueue_JoinWaitsForAcknowledgement(t *testing.T) {
	ctx := context.Background()
	q := New[int](10)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Put(ctx, i))
	}

	joined := make(chan struct{})
	go func() {
		assert.NoError(t, q.Join(ctx))
		close(joined)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		_, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		select {
		case <-joined:
			t.Fatal("join returned while items were still checked out")
		default:
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Done()
		}()
	}
	wg.Wait()

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("join did not return after every item was acknowledged")
	}
}

func TestQueue_JoinContextCancelled(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Put(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Join(ctx), context.DeadlineExceeded)
}

func TestQueue_DonePanicsWhenOverAcknowledged(t *testing.T) {
	q := New[int](1)
	assert.Panics(t, q.Done)
}

func TestQueue_ConcurrentProducerConsumers(t *testing.T) {
	ctx := context.Background()
	q := New[int](8)
	const total = 500

	var mu sync.Mutex
	seen := make(map[int]int, total)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := q.Get(ctx, 50*time.Millisecond)
				if err != nil {
					return
				}
				mu.Lock()
				seen[item]++
				mu.Unlock()
				q.Done()
			}
		}()
	}

	for i := 0; i < total; i++ {
		require.NoError(t, q.Put(ctx, i))
	}
	require.NoError(t, q.Join(ctx))
	wg.Wait()

	assert.Len(t, seen, total)
	for i, n := range seen {
		assert.Equal(t, 1, n, "item %d delivered more than once", i)
	}
}
