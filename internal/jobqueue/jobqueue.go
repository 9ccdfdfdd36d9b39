// Package jobqueue hands work from any number of producers to a single
// consumer goroutine.
package jobqueue

import "sync"

// Queue is a mutex protected FIFO. Pop never blocks; consumers wait on
// Ready between pops.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends item and wakes the consumer.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest item, if any.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready receives a value after a Push. Wake-ups coalesce, so a consumer
// must drain with Pop until it reports empty before waiting again.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}
