// Package queue implements the bounded work queue shared by the key lister
// and the copy workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrIdle is returned by Get when no item arrived within the idle wait
var ErrIdle = errors.New("queue: idle timeout")

// Queue is a bounded FIFO with acknowledgement tracking. Every item passed to
// Put must eventually be acknowledged with Done; Join waits for that.
type Queue[T any] struct {
	mu         sync.Mutex
	cond       *sync.Cond
	items      []T
	capacity   int
	unfinished int
}

// New creates a queue holding at most capacity items from Put
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// wakeOn broadcasts when ctx is done so blocked waiters can observe it
func (q *Queue[T]) wakeOn(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, q.broadcast)
}

func (q *Queue[T]) broadcast() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Put appends item, blocking while the queue is full
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	stop := q.wakeOn(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.capacity {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}

	q.items = append(q.items, item)
	q.unfinished++
	q.cond.Broadcast()
	return nil
}

// Requeue puts a checked-out item back at the tail. It never blocks and does
// not change the unfinished count, so it may exceed capacity by the number of
// items currently checked out.
func (q *Queue[T]) Requeue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Get removes the head item, waiting up to idle for one to arrive
func (q *Queue[T]) Get(ctx context.Context, idle time.Duration) (T, error) {
	var zero T

	deadline := time.Now().Add(idle)
	timer := time.AfterFunc(idle, q.broadcast)
	defer timer.Stop()
	stop := q.wakeOn(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if !time.Now().Before(deadline) {
			return zero, ErrIdle
		}
		q.cond.Wait()
	}

	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	q.cond.Broadcast()
	return item, nil
}

// Done acknowledges one item taken with Get
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		panic("queue: Done called more times than Put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		q.cond.Broadcast()
	}
}

// Join blocks until every item put has been acknowledged
func (q *Queue[T]) Join(ctx context.Context) error {
	stop := q.wakeOn(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.unfinished > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Len returns the number of items waiting to be taken
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of items put but not yet acknowledged
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}
