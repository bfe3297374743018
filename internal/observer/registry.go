// Package observer provides a small synchronous listener registry.
package observer

import (
	"sync"
)

// Registry fans values out to registered listeners.
// Listeners run synchronously on the emitting goroutine in registration
// order. A listener may unsubscribe itself (or others) while being called.
type Registry[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			// copy so an in-progress Emit keeps its own slice
			next := make([]entry[T], 0, len(r.listeners)-1)
			next = append(next, r.listeners[:i]...)
			r.listeners = append(next, r.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call with v.
// A listener removed by an earlier listener in the same Emit is skipped.
// Listeners added during the Emit are not called until the next one.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	listeners := r.listeners
	r.mu.Unlock()

	for _, e := range listeners {
		if !r.registered(e.id) {
			continue
		}
		e.fn(v)
	}
}

func (r *Registry[T]) registered(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.listeners {
		if e.id == id {
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
