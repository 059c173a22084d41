package core

import (
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// FIFOQueue is an unbounded, mutex-guarded first-in first-out queue.
// Push never blocks and never drops; the backing slice is compacted as it
// drains so a burst does not pin memory forever.
type FIFOQueue[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewFIFOQueue creates an empty queue.
func NewFIFOQueue[T any]() *FIFOQueue[T] {
	return &FIFOQueue[T]{
		items: make([]T, 0, defaultQueueCap),
	}
}

// Push appends item to the tail of the queue.
func (q *FIFOQueue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

// Pop removes and returns the head of the queue.
func (q *FIFOQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.items[0] = zero
	q.items = q.items[1:]
	q.maybeCompactLocked()

	return item, true
}

// PopAll removes and returns every queued item in FIFO order.
func (q *FIFOQueue[T]) PopAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	batch := q.items
	q.items = make([]T, 0, defaultQueueCap)
	return batch
}

func (q *FIFOQueue[T]) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]T, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]T, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}

// Len returns the number of queued items.
func (q *FIFOQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items.
func (q *FIFOQueue[T]) IsEmpty() bool {
	return q.Len() == 0
}

// Clear removes all items from the queue and releases references
func (q *FIFOQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]T, 0, defaultQueueCap)
}
