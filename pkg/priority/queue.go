package priority

import (
	"context"
	"sync"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// Queue is an unbounded two-lane FIFO with a single consumer. High items
// are served first, but after `fairness` consecutive high pops one waiting
// low item is let through. Pushes never block and never drop.
type Queue[T any] struct {
	mu         sync.Mutex
	high       []T
	low        []T
	fairness   int
	highStreak int
	closed     bool
	signal     chan struct{}
	stats      Stats
}

func New[T any](fairness int) *Queue[T] {
	if fairness <= 0 {
		fairness = 3
	}
	return &Queue[T]{
		fairness: fairness,
		signal:   make(chan struct{}, 1),
	}
}

// PushHigh enqueues v ahead of low items. It reports false once closed.
func (q *Queue[T]) PushHigh(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.high = append(q.high, v)
	q.stats.HighPush++
	q.mu.Unlock()
	q.wake()
	return true
}

// PushLow enqueues v behind high items. It reports false once closed.
func (q *Queue[T]) PushLow(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.low = append(q.low, v)
	q.stats.LowPush++
	q.mu.Unlock()
	q.wake()
	return true
}

// Pop blocks until an item is available. It returns false when ctx ends or
// the queue is closed and drained.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.high) > 0 && (q.highStreak < q.fairness || len(q.low) == 0) {
			v := q.high[0]
			q.high[0] = zero
			q.high = q.high[1:]
			q.highStreak++
			q.stats.HighPop++
			q.mu.Unlock()
			return v, true
		}
		if len(q.low) > 0 {
			v := q.low[0]
			q.low[0] = zero
			q.low = q.low[1:]
			q.highStreak = 0
			q.stats.LowPop++
			q.mu.Unlock()
			return v, true
		}
		if q.closed {
			q.mu.Unlock()
			return zero, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, false
		case <-q.signal:
		}
	}
}

// Close stops accepting pushes; queued items can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.low)
}

func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
