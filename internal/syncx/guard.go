// Package syncx provides small typed concurrency helpers.
package syncx

import "sync"

// RWGuard pairs a value with an RWMutex so callers cannot touch the
// value without holding the right lock.
type RWGuard[T any] struct {
	mu    sync.RWMutex
	value T
}

// NewRWGuard creates a guard around an initial value.
func NewRWGuard[T any](value T) *RWGuard[T] {
	return &RWGuard[T]{value: value}
}

// Read runs fn with shared access to the value.
func (g *RWGuard[T]) Read(fn func(T)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(g.value)
}

// Write runs fn with exclusive access to the value.
func (g *RWGuard[T]) Write(fn func(*T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Update replaces the value with fn's result under the write lock.
func (g *RWGuard[T]) Update(fn func(T) T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = fn(g.value)
}

// Get returns a copy of the value.
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Set replaces the value.
func (g *RWGuard[T]) Set(value T) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = value
}

// Swap stores a new value and returns the previous one.
func (g *RWGuard[T]) Swap(value T) T {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.value
	g.value = value
	return old
}
