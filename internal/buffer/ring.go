package buffer

import (
	"errors"
	"sync"
)

// ErrInvalidCapacity is returned by New for a capacity below 1.
var ErrInvalidCapacity = errors.New("ring capacity must be >= 1")

// Ring is a thread-safe, fixed-capacity FIFO that overwrites its oldest
// item when full. Capacity can be changed at runtime with Enlarge and Shrink.
type Ring[T any] struct {
	mu       sync.Mutex
	buf      []T
	head     int // oldest item
	tail     int // next write position
	count    int
	capacity int

	// Stats
	enqueued    int64
	dequeued    int64
	overwritten int64
	resizeCount int
}

// Stats contains ring statistics.
type Stats struct {
	Count       int
	Capacity    int
	Enqueued    int64
	Dequeued    int64
	Overwritten int64
	ResizeCount int
}

// New creates a ring with the given capacity.
func New[T any](capacity int) (*Ring[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Ring[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}, nil
}

// Enqueue appends item. When the ring is full the oldest item is dropped
// and evicted is true.
func (r *Ring[T]) Enqueue(item T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == r.capacity {
		// Slot at tail == head holds the oldest item; it is overwritten below.
		r.head = (r.head + 1) % r.capacity
		r.overwritten++
		evicted = true
	} else {
		r.count++
	}

	r.buf[r.tail] = item
	r.tail = (r.tail + 1) % r.capacity
	r.enqueued++
	return evicted
}

// Dequeue removes and returns the oldest item.
// Returns the zero value and false when the ring is empty.
func (r *Ring[T]) Dequeue() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.count == 0 {
		return zero, false
	}

	item := r.buf[r.head]
	r.buf[r.head] = zero // Clear reference for GC
	r.head = (r.head + 1) % r.capacity
	r.count--
	r.dequeued++
	return item, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

// Snapshot returns the items oldest-first in a new slice.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.count)
	r.copyTo(out)
	return out
}

// Enlarge grows the ring to newCapacity. It returns false and leaves the
// ring untouched unless newCapacity > Cap().
func (r *Ring[T]) Enlarge(newCapacity int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newCapacity <= r.capacity {
		return false
	}
	r.resize(newCapacity)
	return true
}

// Shrink reduces the ring to newCapacity. It returns false and leaves the
// ring untouched when newCapacity >= Cap() or when the current items would
// not fit; callers must drain first.
func (r *Ring[T]) Shrink(newCapacity int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newCapacity >= r.capacity || newCapacity < r.count || newCapacity < 1 {
		return false
	}
	r.resize(newCapacity)
	return true
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the current capacity.
func (r *Ring[T]) Cap() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// Stats returns ring statistics.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Count:       r.count,
		Capacity:    r.capacity,
		Enqueued:    r.enqueued,
		Dequeued:    r.dequeued,
		Overwritten: r.overwritten,
		ResizeCount: r.resizeCount,
	}
}

// resize moves the items into a new store of newCapacity. Must be called
// with lock held and newCapacity >= count.
func (r *Ring[T]) resize(newCapacity int) {
	newBuf := make([]T, newCapacity)
	r.copyTo(newBuf)

	r.buf = newBuf
	r.head = 0
	r.tail = r.count % newCapacity
	r.capacity = newCapacity
	r.resizeCount++
}

// copyTo copies the items oldest-first into dst. Must be called with lock held.
func (r *Ring[T]) copyTo(dst []T) {
	if r.count == 0 {
		return
	}
	end := r.head + r.count
	if end <= r.capacity {
		// Contiguous: [head...head+count)
		copy(dst, r.buf[r.head:end])
		return
	}
	// Wrapped: [head...end) + [0...rest)
	n := copy(dst, r.buf[r.head:])
	copy(dst[n:], r.buf[:r.count-n])
}
