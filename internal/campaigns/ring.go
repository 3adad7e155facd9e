package campaigns

// Ring keeps the most recent values up to a fixed capacity, oldest first.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

// NewRing returns an empty ring holding at most capacity values.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends value, dropping the oldest entry when full.
func (r *Ring[T]) Push(value T) {
	capacity := len(r.items)
	if r.size < capacity {
		r.items[(r.start+r.size)%capacity] = value
		r.size++
		return
	}
	r.items[r.start] = value
	r.start = (r.start + 1) % capacity
}

// Items returns the stored values in arrival order.
func (r *Ring[T]) Items() []T {
	result := make([]T, 0, r.size)
	for offset := 0; offset < r.size; offset++ {
		result = append(result, r.items[(r.start+offset)%len(r.items)])
	}
	return result
}

// Len reports how many values are stored.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap reports the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	var zero T
	for index := range r.items {
		r.items[index] = zero
	}
	r.start = 0
	r.size = 0
}
