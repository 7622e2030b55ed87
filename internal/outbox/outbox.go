// Package outbox implements the bounded queue of operations deferred while
// the broker connection is unavailable.
package outbox

// DefaultCapacity is the number of deferred operations kept before the
// oldest ones are dropped.
const DefaultCapacity = 50

// Queue is a bounded FIFO that evicts its oldest entry on overflow.
// It is not safe for concurrent use; the owner serializes access.
type Queue[T any] struct {
	items    []T
	capacity int
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item. When the queue is full the oldest entry is removed
// first and returned with evicted set to true.
func (q *Queue[T]) Push(item T) (dropped T, evicted bool) {
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, item)
	return dropped, evicted
}

// Drain removes and returns every queued item in insertion order.
func (q *Queue[T]) Drain() []T {
	out := q.items
	q.items = make([]T, 0, q.capacity)
	return out
}

// Snapshot returns a copy of the queued items without removing them.
func (q *Queue[T]) Snapshot() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Capacity returns the maximum number of queued items.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	n := len(q.items)
	q.items = make([]T, 0, q.capacity)
	return n
}
