package document

import (
	"context"
	"fmt"
	"reflect"
)

// Ref is a reference-one association. It is either empty, Loaded (the
// target is a fully hydrated document) or Unloaded (the target is a
// placeholder carrying only its identifier, resolved on Get).
//
// T is the target pointer type (*User) or, for polymorphic references, an
// interface implemented by every variant.
type Ref[T any] struct {
	target any
	id     any
	loader Loader
}

// RefTo returns a reference pointing at v.
func RefTo[T any](v T) Ref[T] {
	var r Ref[T]
	r.Set(v)
	return r
}

// Set points the reference at v. A nil v clears it.
func (r *Ref[T]) Set(v T) {
	r.loader = nil
	r.id = nil
	if isNil(any(v)) {
		r.target = nil
		return
	}
	r.target = v
}

// Clear empties the reference.
func (r *Ref[T]) Clear() {
	r.target = nil
	r.id = nil
	r.loader = nil
}

// IsNil reports whether the reference is empty.
func (r *Ref[T]) IsNil() bool {
	return r.target == nil
}

// IsLoaded reports whether the target can be used without a storage round-trip.
func (r *Ref[T]) IsLoaded() bool {
	if r.target == nil || r.loader == nil {
		return true
	}
	return r.loader.IsInitialized(r.target)
}

// ID returns the referenced identifier known without loading the target.
// It is nil for references set in memory until the unit of work binds them.
func (r *Ref[T]) ID() any {
	return r.id
}

// Get returns the target, loading it first when it is still a placeholder.
func (r *Ref[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if r.target == nil {
		return zero, nil
	}
	if r.loader != nil && !r.loader.IsInitialized(r.target) {
		if err := r.loader.Initialize(ctx, r.target); err != nil {
			return zero, fmt.Errorf("failed to load reference %v: %w", r.id, err)
		}
	}
	v, ok := r.target.(T)
	if !ok {
		return zero, fmt.Errorf("reference target %T is not a %s", r.target, r.ElemType())
	}
	return v, nil
}

// Peek returns the target without loading it. An unloaded target only has
// its identifier populated.
func (r *Ref[T]) Peek() T {
	v, _ := r.target.(T)
	return v
}

// Target implements Reference.
func (r *Ref[T]) Target() any {
	return r.target
}

// TargetID implements Reference.
func (r *Ref[T]) TargetID() any {
	return r.id
}

// Bind implements Reference.
func (r *Ref[T]) Bind(target any, id any, loader Loader) {
	if isNil(target) {
		r.Clear()
		return
	}
	r.target = target
	r.id = id
	r.loader = loader
}

// ElemType implements Reference.
func (r *Ref[T]) ElemType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
