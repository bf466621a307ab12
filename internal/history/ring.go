// Package history provides a bounded append-only ring buffer used for the
// registration and call history exposed over the admin API.
package history

import "sync"

// DefaultCapacity is the default number of records kept per history buffer.
const DefaultCapacity = 1000

// Ring is a fixed-capacity append-only buffer. Once full, the oldest record
// is overwritten. Records are returned newest first.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	head  int // next write position
	size  int
	cap   int
}

// NewRing creates a ring buffer with the given capacity.
// A capacity of zero or less falls back to DefaultCapacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		items: make([]T, capacity),
		cap:   capacity,
	}
}

// Append adds a record, overwriting the oldest once full.
func (r *Ring[T]) Append(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.head] = item
	r.head = (r.head + 1) % r.cap
	if r.size < r.cap {
		r.size++
	}
}

// Len returns the number of stored records.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Items returns up to limit records starting at offset, newest first.
// limit <= 0 means no limit.
func (r *Ring[T]) Items(limit, offset int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= r.size {
		return nil
	}
	n := r.size - offset
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		// head-1 is the newest record
		idx := (r.head - 1 - offset - i + 2*r.cap) % r.cap
		out = append(out, r.items[idx])
	}
	return out
}
