// Package storage defines the contract between the unit of work and a
// document database driver, plus helpers shared by the bundled drivers.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateKey is reported for an insert whose identifier already exists
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is reported for an update of a document that does not exist
	ErrNotFound = errors.New("document not found")

	// ErrBatchAborted is reported for batch items rolled back because
	// another item of the same batch failed
	ErrBatchAborted = errors.New("batch aborted")

	// ErrClosed is returned by drivers after Close
	ErrClosed = errors.New("storage closed")
)

// DocumentStorage is implemented by storage drivers. Each Insert, Update
// and Delete call is one batch targeting a single collection: drivers apply
// a batch all-or-nothing and report the outcome per item.
type DocumentStorage interface {
	Find(ctx context.Context, collection string, filter Filter, opts FindOptions) (Cursor, error)
	Insert(ctx context.Context, collection string, docs []document.Raw) ([]Result, error)
	Update(ctx context.Context, collection string, updates []Update) ([]Result, error)
	Delete(ctx context.Context, collection string, ids []any) ([]Result, error)
}

// Counter is implemented by drivers that count without returning documents
type Counter interface {
	Count(ctx context.Context, collection string, filter Filter) (int, error)
}

// Sequencer is implemented by drivers that provide named counters, used by
// the increment identifier strategy
type Sequencer interface {
	NextSequence(ctx context.Context, name string) (int64, error)
}

// Lister is implemented by drivers that can enumerate their collections
type Lister interface {
	ListCollections(ctx context.Context) ([]string, error)
}

// Closer is implemented by drivers holding resources
type Closer interface {
	Close() error
}

// Result is the outcome of one batch item. ID is the identifier of the
// document, assigned by the driver when an inserted document had none.
type Result struct {
	ID  any
	Err error
}

// Update describes the modification of a single document. Keys are
// storage keys and may be dotted paths into sub-documents. Operations are
// applied in the order Set, Unset, Pull, Push, AddToSet.
type Update struct {
	ID       any
	Set      map[string]any
	Unset    []string
	Pull     map[string][]any
	Push     map[string][]any
	AddToSet map[string][]any
}

// IsEmpty returns true if the update modifies nothing
func (u Update) IsEmpty() bool {
	return len(u.Set) == 0 && len(u.Unset) == 0 && len(u.Pull) == 0 &&
		len(u.Push) == 0 && len(u.AddToSet) == 0
}

// SortField orders query results by one key
type SortField struct {
	Key  string
	Desc bool
}

// FindOptions controls the shape of query results
type FindOptions struct {
	// Projection lists the keys to return; _id is always included
	Projection []string
	Sort       []SortField
	Skip       int
	Limit      int
}

// Cursor iterates over query results
type Cursor interface {
	Next(ctx context.Context) bool
	Current() document.Raw
	Err() error
	Close(ctx context.Context) error
}

// All drains a cursor
func All(ctx context.Context, c Cursor) ([]document.Raw, error) {
	defer func() { _ = c.Close(ctx) }()

	var docs []document.Raw
	for c.Next(ctx) {
		docs = append(docs, c.Current())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// FirstError returns the first failed item of a batch result
func FirstError(results []Result) (int, error) {
	for i, r := range results {
		if r.Err != nil {
			return i, r.Err
		}
	}
	return -1, nil
}

// abortBatch marks every item of a batch as rolled back except the
// failing one
func abortBatch(results []Result, failed int, err error) []Result {
	for i := range results {
		if i == failed {
			results[i].Err = err
		} else {
			results[i].Err = ErrBatchAborted
		}
	}
	return results
}

// AbortBatch builds the results of a batch rolled back because item failed
// with err
func AbortBatch(ids []any, failed int, err error) []Result {
	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i].ID = id
	}
	return abortBatch(results, failed, err)
}

// DocumentID returns the identifier of a raw document
func DocumentID(doc document.Raw) (any, error) {
	id, ok := doc[document.KeyID]
	if !ok || id == nil {
		return nil, fmt.Errorf("document has no %s", document.KeyID)
	}
	return id, nil
}

// NewID returns an identifier for a document inserted without one
func NewID() string {
	return uuid.NewString()
}
