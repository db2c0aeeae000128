// Package jsonfile stores every collection of a database in one JSON file.
// Each operation takes a cross-process file lock, reads the file, applies
// the batch and rewrites the file atomically through a temp file rename.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/conduit-lang/odm/pkg/storage/memory"
	"github.com/gofrs/flock"
)

const formatVersion = "1.0"

// fileData is the on-disk layout
type fileData struct {
	Version     string                    `json:"version"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Collections map[string][]document.Raw `json:"collections"`
	Sequences   map[string]int64          `json:"sequences,omitempty"`
}

// Option configures a Store
type Option func(*Store)

// WithLockTimeout bounds how long an operation waits for the file lock
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// Store is a DocumentStorage backed by a JSON file
type Store struct {
	path        string
	fileLock    *flock.Flock
	mu          sync.Mutex
	lockTimeout time.Duration
	closed      bool
}

// Open creates a store for the file at path. The file is created on the
// first write.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonfile: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	s := &Store{
		path:        path,
		fileLock:    flock.New(path + ".lock"),
		lockTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the location of the database file
func (s *Store) Path() string {
	return s.path
}

// withState runs fn against the current file contents. When fn reports a
// change the contents are written back before the lock is released.
func (s *Store) withState(ctx context.Context, fn func(db *memory.Store) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	locked, err := s.fileLock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("could not acquire file lock")
	}
	defer func() { _ = s.fileLock.Unlock() }()

	db, err := s.readLocked()
	if err != nil {
		return err
	}
	changed, err := fn(db)
	if err != nil || !changed {
		return err
	}
	return s.saveLocked(db)
}

func (s *Store) readLocked() (*memory.Store, error) {
	db := memory.New()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return db, nil
	}

	var file fileData
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	for name, docs := range file.Collections {
		db.Load(name, docs...)
	}
	for name, n := range file.Sequences {
		db.SetSequence(name, n)
	}
	return db, nil
}

func (s *Store) saveLocked(db *memory.Store) error {
	file := fileData{
		Version:     formatVersion,
		UpdatedAt:   time.Now().UTC(),
		Collections: make(map[string][]document.Raw),
		Sequences:   db.Sequences(),
	}
	for _, name := range db.Collections() {
		file.Collections[name] = db.Dump(name)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func batchApplied(results []storage.Result) bool {
	_, err := storage.FirstError(results)
	return err == nil && len(results) > 0
}

// Find implements storage.DocumentStorage
func (s *Store) Find(ctx context.Context, coll string, filter storage.Filter, opts storage.FindOptions) (storage.Cursor, error) {
	var cursor storage.Cursor
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		cursor, err = db.Find(ctx, coll, filter, opts)
		return false, err
	})
	return cursor, err
}

// Count implements storage.Counter
func (s *Store) Count(ctx context.Context, coll string, filter storage.Filter) (int, error) {
	var n int
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		n, err = db.Count(ctx, coll, filter)
		return false, err
	})
	return n, err
}

// Insert implements storage.DocumentStorage
func (s *Store) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	var results []storage.Result
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		results, err = db.Insert(ctx, coll, docs)
		return err == nil && batchApplied(results), err
	})
	return results, err
}

// Update implements storage.DocumentStorage
func (s *Store) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	var results []storage.Result
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		results, err = db.Update(ctx, coll, updates)
		return err == nil && batchApplied(results), err
	})
	return results, err
}

// Delete implements storage.DocumentStorage
func (s *Store) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	var results []storage.Result
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		results, err = db.Delete(ctx, coll, ids)
		return err == nil && batchApplied(results), err
	})
	return results, err
}

// NextSequence implements storage.Sequencer
func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		var err error
		n, err = db.NextSequence(ctx, name)
		return err == nil, err
	})
	return n, err
}

// ListCollections implements storage.Lister
func (s *Store) ListCollections(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withState(ctx, func(db *memory.Store) (bool, error) {
		names = db.Collections()
		return false, nil
	})
	return names, err
}

// Close implements storage.Closer
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
