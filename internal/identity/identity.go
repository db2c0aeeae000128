// Package identity provides the identity map of a unit of work: at most
// one in-memory instance per (root class, identifier) pair.
package identity

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrDuplicateIdentifier matches every *DuplicateIdentifierError
var ErrDuplicateIdentifier = errors.New("duplicate identifier")

// DuplicateIdentifierError is returned when a second, different instance is
// registered under a key that is already taken
type DuplicateIdentifierError struct {
	Root     string
	ID       any
	Existing any
}

// Error implements the error interface
func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("an instance of %s with identifier %v is already managed (%T)", e.Root, e.ID, e.Existing)
}

// Is makes errors.Is(err, ErrDuplicateIdentifier) match
func (e *DuplicateIdentifierError) Is(target error) bool {
	return target == ErrDuplicateIdentifier
}

type key struct {
	root string
	id   any
}

// Map is the identity map. It is owned by a single session and is not
// safe for concurrent use.
type Map struct {
	entries map[key]any
	objects map[any]key
}

// New creates an empty identity map
func New() *Map {
	return &Map{
		entries: make(map[key]any),
		objects: make(map[any]key),
	}
}

func newKey(root string, id any) (key, error) {
	if id == nil {
		return key{}, fmt.Errorf("cannot use a nil identifier for %s", root)
	}
	if !reflect.TypeOf(id).Comparable() {
		return key{}, fmt.Errorf("identifier of type %T for %s is not comparable", id, root)
	}
	return key{root: root, id: id}, nil
}

// TryGet returns the instance registered for (root, id)
func (m *Map) TryGet(root string, id any) (any, bool) {
	k, err := newKey(root, id)
	if err != nil {
		return nil, false
	}
	obj, ok := m.entries[k]
	return obj, ok
}

// Register maps (root, id) to obj. Registering the same instance twice is a
// no-op; registering a different instance returns a DuplicateIdentifierError.
func (m *Map) Register(root string, id any, obj any) error {
	k, err := newKey(root, id)
	if err != nil {
		return err
	}
	if existing, ok := m.entries[k]; ok {
		if existing == obj {
			return nil
		}
		return &DuplicateIdentifierError{Root: root, ID: id, Existing: existing}
	}
	if prev, ok := m.objects[obj]; ok {
		delete(m.entries, prev)
	}
	m.entries[k] = obj
	m.objects[obj] = k
	return nil
}

// Unregister removes the entry for (root, id)
func (m *Map) Unregister(root string, id any) {
	k, err := newKey(root, id)
	if err != nil {
		return
	}
	if obj, ok := m.entries[k]; ok {
		delete(m.objects, obj)
		delete(m.entries, k)
	}
}

// Remove removes obj wherever it is registered
func (m *Map) Remove(obj any) {
	if k, ok := m.objects[obj]; ok {
		delete(m.entries, k)
		delete(m.objects, obj)
	}
}

// Contains reports whether obj is registered
func (m *Map) Contains(obj any) bool {
	_, ok := m.objects[obj]
	return ok
}

// KeyOf returns the root and identifier obj is registered under
func (m *Map) KeyOf(obj any) (string, any, bool) {
	k, ok := m.objects[obj]
	return k.root, k.id, ok
}

// Len returns the number of registered instances
func (m *Map) Len() int {
	return len(m.entries)
}

// Range calls fn for every entry until fn returns false
func (m *Map) Range(fn func(root string, id any, obj any) bool) {
	for k, obj := range m.entries {
		if !fn(k.root, k.id, obj) {
			return
		}
	}
}

// Clear removes every entry
func (m *Map) Clear() {
	m.entries = make(map[key]any)
	m.objects = make(map[any]key)
}
