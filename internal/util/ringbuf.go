package util

import "sync"

// Ring keeps the most recent values added to it, up to a fixed capacity.
// When full, adding evicts the oldest value. Safe for concurrent use.
type Ring[T any] struct {
	mu   sync.Mutex
	vals []T
	next int
	full bool
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{vals: make([]T, capacity)}
}

// Add records v, evicting the oldest value when the ring is full.
func (r *Ring[T]) Add(v T) {
	r.mu.Lock()
	r.vals[r.next] = v
	r.next = (r.next + 1) % len(r.vals)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns a copy of the stored values, oldest first.
func (r *Ring[T]) Recent() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]T(nil), r.vals[:r.next]...)
	}
	out := make([]T, 0, len(r.vals))
	out = append(out, r.vals[r.next:]...)
	return append(out, r.vals[:r.next]...)
}

// Len returns the number of values stored.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.vals)
	}
	return r.next
}
