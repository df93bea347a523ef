// Package queue provides EvictingQueue, a bounded FIFO that makes room for
// new elements by dropping the oldest ones instead of rejecting the insert.
//
// The queue is used for in-memory history buffers (recent upload outcomes,
// recently dropped records) and mirrors the oldest-first eviction the
// orchestrator applies to on-disk units.
//
// EvictingQueue is not safe for concurrent use; owners guard it with their
// own mutex.
package queue

import (
	"container/list"
	"iter"
	"math"
)

// Unbounded is the capacity of a queue created with NewUnbounded.
const Unbounded = math.MaxInt

// EvictingQueue is a fixed-capacity FIFO with automatic oldest-eviction.
type EvictingQueue[T any] struct {
	maxSize int
	items   *list.List
}

// New returns a queue holding at most maxSize elements. Negative sizes are
// clamped to zero; a zero-capacity queue rejects every insert.
func New[T any](maxSize int) *EvictingQueue[T] {
	return &EvictingQueue[T]{
		maxSize: max(maxSize, 0),
		items:   list.New(),
	}
}

// NewUnbounded returns a queue that never evicts.
func NewUnbounded[T any]() *EvictingQueue[T] {
	return New[T](Unbounded)
}

// MaxSize returns the queue capacity.
func (q *EvictingQueue[T]) MaxSize() int {
	return q.maxSize
}

// Len returns the number of queued elements.
func (q *EvictingQueue[T]) Len() int {
	return q.items.Len()
}

// Add appends x, evicting the oldest element when the queue is full.
// It returns false only for a zero-capacity queue.
func (q *EvictingQueue[T]) Add(x T) bool {
	if q.maxSize == 0 {
		return false
	}
	if q.items.Len() >= q.maxSize {
		q.items.Remove(q.items.Front())
	}
	q.items.PushBack(x)
	return true
}

// Offer is identical to Add.
func (q *EvictingQueue[T]) Offer(x T) bool {
	return q.Add(x)
}

// AddAll appends xs in order. When xs alone fills the queue, the previous
// content is discarded and only the last MaxSize elements of xs are kept;
// otherwise exactly enough of the oldest elements are evicted to make room.
// It reports whether any element was added.
func (q *EvictingQueue[T]) AddAll(xs []T) bool {
	if len(xs) >= q.maxSize {
		q.items.Init()
		xs = xs[len(xs)-q.maxSize:]
	} else {
		for overflow := q.items.Len() + len(xs) - q.maxSize; overflow > 0; overflow-- {
			q.items.Remove(q.items.Front())
		}
	}
	for _, x := range xs {
		q.items.PushBack(x)
	}
	return len(xs) > 0
}

// Peek returns the oldest element without removing it.
func (q *EvictingQueue[T]) Peek() (T, bool) {
	front := q.items.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	return front.Value.(T), true
}

// Poll removes and returns the oldest element.
func (q *EvictingQueue[T]) Poll() (T, bool) {
	front := q.items.Front()
	if front == nil {
		var zero T
		return zero, false
	}
	q.items.Remove(front)
	return front.Value.(T), true
}

// Clear removes every element.
func (q *EvictingQueue[T]) Clear() {
	q.items.Init()
}

// Items returns a snapshot of the queue, oldest first.
func (q *EvictingQueue[T]) Items() []T {
	out := make([]T, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(T))
	}
	return out
}

// All iterates oldest first. The queue must not be modified while iterating.
func (q *EvictingQueue[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for e := q.items.Front(); e != nil; e = e.Next() {
			if !yield(e.Value.(T)) {
				return
			}
		}
	}
}
