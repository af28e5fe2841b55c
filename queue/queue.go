package queue

import (
	"context"
	"sync/atomic"
)

// Latest is a bounded buffer that only cares about the newest item. Pushing
// into a full buffer evicts the oldest item instead of blocking the producer.
type Latest[T any] struct {
	items   chan T
	dropped atomic.Int64
}

// New returns a buffer holding at most size items (at least one).
func New[T any](size int) *Latest[T] {
	if size < 1 {
		size = 1
	}
	return &Latest[T]{items: make(chan T, size)}
}

// Push adds item, dropping the oldest buffered item when full. It reports
// whether something was dropped.
func (q *Latest[T]) Push(item T) bool {
	dropped := false
	for {
		select {
		case q.items <- item:
			return dropped
		default:
		}
		select {
		case <-q.items:
			q.dropped.Add(1)
			dropped = true
		default:
		}
	}
}

// Latest drains the buffer and returns the newest item, if any.
func (q *Latest[T]) Latest() (T, bool) {
	var (
		last T
		ok   bool
	)
	for {
		select {
		case item := <-q.items:
			last, ok = item, true
		default:
			return last, ok
		}
	}
}

// Next waits for at least one item, then drains to the newest.
func (q *Latest[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case item := <-q.items:
		if newer, ok := q.Latest(); ok {
			return newer, nil
		}
		return item, nil
	}
}

func (q *Latest[T]) Len() int {
	return len(q.items)
}

func (q *Latest[T]) Cap() int {
	return cap(q.items)
}

// Dropped counts items evicted by Push.
func (q *Latest[T]) Dropped() int64 {
	return q.dropped.Load()
}
