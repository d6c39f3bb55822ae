package readerq

import (
	"context"
	"sync"
)

// Resource holds an expensive value, such as a loaded model, for one job
// type's worker slot. It is built on the first Get, torn down by Release
// and rebuilt by the next Get.
type Resource[T any] struct {
	mu      sync.Mutex
	value   T
	loaded  bool
	load    func(ctx context.Context) (T, error)
	release func(T) error
}

func NewResource[T any](load func(ctx context.Context) (T, error), release func(T) error) *Resource[T] {
	return &Resource[T]{load: load, release: release}
}

func (r *Resource[T]) Get(ctx context.Context) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return r.value, nil
	}

	v, err := r.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	r.value = v
	r.loaded = true
	return v, nil
}

func (r *Resource[T]) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// Release tears the value down. Calling it on an unloaded resource is a
// no-op.
func (r *Resource[T]) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.loaded {
		return nil
	}

	v := r.value
	var zero T
	r.value = zero
	r.loaded = false

	if r.release == nil {
		return nil
	}
	return r.release(v)
}
