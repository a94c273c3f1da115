// Package state holds the worker's in-memory view of recent activity and the
// liveness heartbeat it publishes for other processes.
//
// One Shared instance is built per process and passed to the pipeline and the
// API server. Nothing here is package-global.
package state

import "sync"

// BoundedStore is a FIFO of at most capacity items. Adding past capacity evicts
// the oldest item. It is safe for concurrent use; the lock is held only while the
// slice is mutated or copied.
type BoundedStore[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
}

// NewBoundedStore creates a store. Capacity below 1 is raised to 1.
func NewBoundedStore[T any](capacity int) *BoundedStore[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedStore[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Add appends item, evicting the oldest entry when full.
func (s *BoundedStore[T]) Add(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == s.capacity {
		copy(s.items, s.items[1:])
		s.items = s.items[:len(s.items)-1]
	}
	s.items = append(s.items, item)
}

// GetRecent returns up to n items, most recent first. n <= 0 returns everything.
func (s *BoundedStore[T]) GetRecent(n int) []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.items) {
		n = len(s.items)
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = s.items[len(s.items)-1-i]
	}
	return out
}

// Find returns the most recent item matching fn.
func (s *BoundedStore[T]) Find(fn func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.items) - 1; i >= 0; i-- {
		if fn(s.items[i]) {
			return s.items[i], true
		}
	}
	var zero T
	return zero, false
}

// Len returns the number of stored items.
func (s *BoundedStore[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Capacity returns the configured maximum.
func (s *BoundedStore[T]) Capacity() int { return s.capacity }
