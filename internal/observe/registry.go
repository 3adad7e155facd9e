// Package observe provides a small observer registry shared by the push
// connection and the reconcilers.
package observe

import (
	"sort"
	"sync"
)

// Registry holds callbacks interested in values of type T.
type Registry[T any] struct {
	mu        sync.RWMutex
	observers map[int64]func(T)
	nextID    int64
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{
		observers: make(map[int64]func(T)),
	}
}

// Add registers callback and returns a function that removes it again.
// The returned function is safe to call more than once.
func (r *Registry[T]) Add(callback func(T)) func() {
	if callback == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.observers[id] = callback
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

// Notify calls every registered observer with value in registration order.
// Observers run outside the registry lock, so they may add or remove observers.
func (r *Registry[T]) Notify(value T) {
	r.mu.RLock()
	if len(r.observers) == 0 {
		r.mu.RUnlock()
		return
	}
	ids := make([]int64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(T), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, r.observers[id])
	}
	r.mu.RUnlock()

	for _, callback := range callbacks {
		callback(value)
	}
}

// Len reports the number of registered observers.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}
