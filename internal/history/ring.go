// Package history keeps bounded per-entity signal history.
package history

import "sync"

// Ring is a fixed-capacity buffer that overwrites its oldest element once
// full. It is safe for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := (r.start + r.size) % len(r.buf)
	r.buf[end] = v
	if r.size < len(r.buf) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Items returns the elements oldest first as a new slice.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last(r.size)
}

// Last returns up to n of the newest elements, oldest first.
func (r *Ring[T]) Last(n int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last(n)
}

func (r *Ring[T]) last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	offset := r.size - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}
