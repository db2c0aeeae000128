package document

import (
	"context"
	"fmt"
	"reflect"
)

// InitFunc loads the baseline elements of a bound collection.
type InitFunc func(ctx context.Context) ([]any, error)

// CountFunc returns the element count without loading the elements.
type CountFunc func(ctx context.Context) (int, error)

// Binding attaches a collection to its owning document field.
type Binding struct {
	Owner       any
	Field       string
	Raw         []any
	Initializer InitFunc
	Counter     CountFunc
}

// PersistentCollection is the untyped view of a Collection used by the
// hydrator and the unit of work.
type PersistentCollection interface {
	Bind(b Binding)
	IsBound() bool
	Owner() (any, string)
	IsInitialized() bool
	IsDirty() bool
	IsReplaced() bool
	Initialize(ctx context.Context) error
	Elements() []any
	Raw() []any
	Snapshot() []any
	TakeSnapshot()
	InsertDiff() []any
	DeleteDiff() []any
	SetElements(items []any)
	Replace(items []any)
	ElemType() reflect.Type
	Identity() any
}

type mutation struct {
	add  bool
	item any
}

type collectionState struct {
	binding     Binding
	bound       bool
	initialized bool
	items       []any
	snapshot    []any
	log         []mutation
	dirty       bool
	replaced    bool
}

// Collection is a to-many association. A zero Collection is empty and
// initialized. Once bound by the hydrator, it stays uninitialized until
// its contents are read: Add and Remove are buffered and replayed on top
// of the loaded baseline in program order.
//
// Elements must be pointers or interfaces holding pointers.
type Collection[T any] struct {
	state *collectionState
}

// NewCollection returns an initialized, unbound collection holding items.
func NewCollection[T any](items ...T) Collection[T] {
	c := Collection[T]{state: &collectionState{initialized: true}}
	for _, it := range items {
		c.state.items = append(c.state.items, it)
	}
	return c
}

func (c *Collection[T]) st() *collectionState {
	if c.state == nil {
		c.state = &collectionState{initialized: true}
	}
	return c.state
}

// Add appends v.
func (c *Collection[T]) Add(v T) {
	s := c.st()
	if !s.initialized {
		s.log = append(s.log, mutation{add: true, item: v})
		return
	}
	s.items = append(s.items, v)
	s.dirty = true
}

// Remove removes the first occurrence of v.
func (c *Collection[T]) Remove(v T) {
	s := c.st()
	if !s.initialized {
		s.log = append(s.log, mutation{add: false, item: v})
		return
	}
	if removeFirst(&s.items, v) {
		s.dirty = true
	}
}

// Set replaces the whole contents. The next commit rewrites the field.
func (c *Collection[T]) Set(items ...T) {
	s := c.st()
	s.items = s.items[:0:0]
	for _, it := range items {
		s.items = append(s.items, it)
	}
	s.initialized = true
	s.log = nil
	s.dirty = true
	s.replaced = true
}

// Clear removes every element.
func (c *Collection[T]) Clear() {
	c.Set()
}

// All returns the elements, initializing the collection first.
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(c.st().items))
	for _, it := range c.st().items {
		v, ok := it.(T)
		if !ok {
			return nil, fmt.Errorf("collection element %T is not a %s", it, c.ElemType())
		}
		out = append(out, v)
	}
	return out, nil
}

// Get returns the element at index i.
func (c *Collection[T]) Get(ctx context.Context, i int) (T, error) {
	var zero T
	if err := c.Initialize(ctx); err != nil {
		return zero, err
	}
	items := c.st().items
	if i < 0 || i >= len(items) {
		return zero, fmt.Errorf("collection index %d out of range [0,%d)", i, len(items))
	}
	v, _ := items[i].(T)
	return v, nil
}

// Contains reports whether v is an element.
func (c *Collection[T]) Contains(ctx context.Context, v T) (bool, error) {
	if err := c.Initialize(ctx); err != nil {
		return false, err
	}
	for _, it := range c.st().items {
		if it == any(v) {
			return true, nil
		}
	}
	return false, nil
}

// Len returns the number of elements. Extra-lazy mappings count without
// loading the elements; everything else initializes first.
//
// An extra-lazy count only subtracts a buffered Remove that cancels a
// buffered Add, since any other removal may not name an element. Until the
// collection is initialized the count is therefore an upper bound.
func (c *Collection[T]) Len(ctx context.Context) (int, error) {
	s := c.st()
	if !s.initialized && s.binding.Counter != nil {
		n, err := s.binding.Counter(ctx)
		if err != nil {
			return 0, err
		}
		var added []any
		for _, m := range s.log {
			if m.add {
				added = append(added, m.item)
				continue
			}
			if removeFirst(&added, m.item) {
				n--
			}
		}
		return n + len(added), nil
	}
	if err := c.Initialize(ctx); err != nil {
		return 0, err
	}
	return len(s.items), nil
}

// Initialize loads the baseline once and replays buffered mutations.
func (c *Collection[T]) Initialize(ctx context.Context) error {
	s := c.st()
	if s.initialized {
		return nil
	}
	var baseline []any
	if s.binding.Initializer != nil {
		loaded, err := s.binding.Initializer(ctx)
		if err != nil {
			return err
		}
		baseline = loaded
	}
	s.items = append([]any(nil), baseline...)
	s.snapshot = append([]any(nil), baseline...)
	for _, m := range s.log {
		if m.add {
			s.items = append(s.items, m.item)
		} else {
			removeFirst(&s.items, m.item)
		}
	}
	s.dirty = len(s.log) > 0
	s.log = nil
	s.initialized = true
	return nil
}

// IsInitialized implements PersistentCollection.
func (c *Collection[T]) IsInitialized() bool {
	return c.st().initialized
}

// IsDirty reports whether the contents diverge from the last snapshot.
func (c *Collection[T]) IsDirty() bool {
	s := c.st()
	return s.dirty || len(s.log) > 0
}

// IsReplaced reports whether Set was called since the last snapshot.
func (c *Collection[T]) IsReplaced() bool {
	return c.st().replaced
}

// Bind implements PersistentCollection. Binding resets the collection to
// the uninitialized state unless b has no initializer.
func (c *Collection[T]) Bind(b Binding) {
	s := c.st()
	s.binding = b
	s.bound = true
	s.log = nil
	s.dirty = false
	s.replaced = false
	if b.Initializer == nil {
		s.initialized = true
		s.snapshot = append([]any(nil), s.items...)
		return
	}
	s.initialized = false
	s.items = nil
	s.snapshot = nil
}

// IsBound implements PersistentCollection.
func (c *Collection[T]) IsBound() bool {
	return c.st().bound
}

// Owner implements PersistentCollection.
func (c *Collection[T]) Owner() (any, string) {
	s := c.st()
	return s.binding.Owner, s.binding.Field
}

// Elements implements PersistentCollection. It does not initialize.
func (c *Collection[T]) Elements() []any {
	return c.st().items
}

// Raw implements PersistentCollection.
func (c *Collection[T]) Raw() []any {
	return c.st().binding.Raw
}

// Snapshot implements PersistentCollection.
func (c *Collection[T]) Snapshot() []any {
	return c.st().snapshot
}

// TakeSnapshot implements PersistentCollection; it is called after a
// successful write.
func (c *Collection[T]) TakeSnapshot() {
	s := c.st()
	if !s.initialized {
		return
	}
	s.snapshot = append([]any(nil), s.items...)
	s.dirty = false
	s.replaced = false
}

// InsertDiff implements PersistentCollection.
func (c *Collection[T]) InsertDiff() []any {
	s := c.st()
	return difference(s.items, s.snapshot)
}

// DeleteDiff implements PersistentCollection.
func (c *Collection[T]) DeleteDiff() []any {
	s := c.st()
	return difference(s.snapshot, s.items)
}

// SetElements implements PersistentCollection. It replaces the contents
// without marking the collection dirty.
func (c *Collection[T]) SetElements(items []any) {
	s := c.st()
	s.items = append([]any(nil), items...)
	s.initialized = true
	s.log = nil
}

// Replace implements PersistentCollection. It is the untyped Set.
func (c *Collection[T]) Replace(items []any) {
	s := c.st()
	s.items = append([]any(nil), items...)
	s.initialized = true
	s.log = nil
	s.dirty = true
	s.replaced = true
}

// ElemType implements PersistentCollection.
func (c *Collection[T]) ElemType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Identity implements PersistentCollection. Two collection values share an
// identity when they are copies of the same collection.
func (c *Collection[T]) Identity() any {
	return c.st()
}

func removeFirst(items *[]any, v any) bool {
	for i, it := range *items {
		if it == v {
			*items = append((*items)[:i], (*items)[i+1:]...)
			return true
		}
	}
	return false
}

// difference returns the elements of a not present in b.
func difference(a, b []any) []any {
	var out []any
	for _, x := range a {
		found := false
		for _, y := range b {
			if x == y {
				found = true
				break
			}
		}
		if !found {
			out = append(out, x)
		}
	}
	return out
}
