// Package memory provides an in-process DocumentStorage. Documents are
// deep-copied on the way in and out, so callers never share state with
// the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
)

type collection struct {
	docs  map[string]document.Raw
	order []string
}

func newCollection() *collection {
	return &collection{docs: make(map[string]document.Raw)}
}

func (c *collection) list() []document.Raw {
	out := make([]document.Raw, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.docs[key])
	}
	return out
}

func (c *collection) remove(key string) {
	delete(c.docs, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Store is a concurrency-safe in-memory document database
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	sequences   map[string]int64
	closed      bool
}

// New creates an empty store
func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		sequences:   make(map[string]int64),
	}
}

func (s *Store) coll(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = newCollection()
		s.collections[name] = c
	}
	return c
}

// Find implements storage.DocumentStorage
func (s *Store) Find(ctx context.Context, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return storage.NewSliceCursor(nil), nil
	}
	return storage.NewSliceCursor(storage.Select(c.list(), filter, opts)), nil
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context, coll string, filter storage.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	c, ok := s.collections[coll]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, doc := range c.docs {
		if storage.Match(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Insert implements storage.DocumentStorage. Documents without an _id get
// a generated one.
func (s *Store) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	c := s.coll(coll)
	staged := make([]document.Raw, len(docs))
	keys := make([]string, len(docs))
	ids := make([]any, len(docs))
	seen := make(map[string]bool, len(docs))
	for i, doc := range docs {
		clone := storage.CloneRaw(doc)
		if clone == nil {
			clone = document.Raw{}
		}
		id, ok := clone[document.KeyID]
		if !ok || id == nil {
			id = storage.NewID()
			clone[document.KeyID] = id
		}
		ids[i] = id
		key := storage.NormalizeID(id)
		if _, exists := c.docs[key]; exists || seen[key] {
			return storage.AbortBatch(ids, i, fmt.Errorf("%w: %s %v", storage.ErrDuplicateKey, coll, id)), nil
		}
		seen[key] = true
		staged[i] = clone
		keys[i] = key
	}

	results := make([]storage.Result, len(docs))
	for i, doc := range staged {
		c.docs[keys[i]] = doc
		c.order = append(c.order, keys[i])
		results[i] = storage.Result{ID: ids[i]}
	}
	return results, nil
}

// Update implements storage.DocumentStorage
func (s *Store) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	c := s.coll(coll)
	ids := make([]any, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}

	staged := make(map[string]document.Raw, len(updates))
	for i, u := range updates {
		key := storage.NormalizeID(u.ID)
		current, ok := staged[key]
		if !ok {
			existing, found := c.docs[key]
			if !found {
				return storage.AbortBatch(ids, i, fmt.Errorf("%w: %s %v", storage.ErrNotFound, coll, u.ID)), nil
			}
			current = storage.CloneRaw(existing)
		}
		if err := storage.Apply(current, u); err != nil {
			return storage.AbortBatch(ids, i, err), nil
		}
		staged[key] = current
	}

	for key, doc := range staged {
		c.docs[key] = doc
	}
	results := make([]storage.Result, len(updates))
	for i, id := range ids {
		results[i] = storage.Result{ID: id}
	}
	return results, nil
}

// Delete implements storage.DocumentStorage. Deleting a missing document
// succeeds.
func (s *Store) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	results := make([]storage.Result, len(ids))
	c, ok := s.collections[coll]
	for i, id := range ids {
		results[i] = storage.Result{ID: id}
		if ok {
			c.remove(storage.NormalizeID(id))
		}
	}
	return results, nil
}

// NextSequence implements storage.Sequencer
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}

	s.sequences[name]++
	return s.sequences[name], nil
}

// Close implements storage.Closer
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Load seeds a collection, replacing documents with the same identifier
func (s *Store) Load(coll string, docs ...document.Raw) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(coll)
	for _, doc := range docs {
		clone := storage.CloneRaw(doc)
		key := storage.NormalizeID(clone[document.KeyID])
		if _, exists := c.docs[key]; !exists {
			c.order = append(c.order, key)
		}
		c.docs[key] = clone
	}
}

// Dump returns a copy of every document of a collection in insertion order
func (s *Store) Dump(coll string) []document.Raw {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[coll]
	if !ok {
		return nil
	}
	return storage.Select(c.list(), nil, storage.FindOptions{})
}

// Collections returns the names of every collection holding documents
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name, c := range s.collections {
		if len(c.docs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListCollections implements storage.Lister
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	return s.Collections(), nil
}

// Sequences returns a copy of the named counters
func (s *Store) Sequences() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.sequences))
	for k, v := range s.sequences {
		out[k] = v
	}
	return out
}

// SetSequence positions a named counter; the next value is n+1
func (s *Store) SetSequence(name string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[name] = n
}
