package gps

import "sync"

// OneShot is a set-once cell. The first Resolve wins; later calls are ignored.
type OneShot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// NewOneShot creates an unresolved cell
func NewOneShot[T any]() *OneShot[T] {
	return &OneShot[T]{done: make(chan struct{})}
}

// Resolve stores v if the cell is still empty and reports whether it did
func (o *OneShot[T]) Resolve(v T) bool {
	resolved := false
	o.once.Do(func() {
		o.value = v
		close(o.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the cell holds a value
func (o *OneShot[T]) Done() <-chan struct{} {
	return o.done
}

// Value returns the stored value and whether the cell was resolved
func (o *OneShot[T]) Value() (T, bool) {
	select {
	case <-o.done:
		return o.value, true
	default:
		var zero T
		return zero, false
	}
}
