package uow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCommitOrder matches every *CommitOrderError
	ErrCommitOrder = errors.New("commit order error")

	// ErrPersistence matches every *PersistenceError
	ErrPersistence = errors.New("persistence error")

	// ErrMerge matches every *MergeError
	ErrMerge = errors.New("merge error")

	// ErrNotManaged is returned by operations that require a managed document
	ErrNotManaged = errors.New("document is not managed")

	// ErrDetached is returned when a detached document is persisted or removed
	ErrDetached = errors.New("document is detached")

	// ErrCommitInProgress is returned when Commit is called from a listener of a running commit
	ErrCommitInProgress = errors.New("commit already in progress")
)

// CommitOrderError is returned when the pending writes cannot be ordered.
// No write has been issued when it is returned.
type CommitOrderError struct {
	Type    string
	Field   string
	Message string
	// Cycle lists the classes of documents that depend on each other
	Cycle []string
}

// Error implements the error interface
func (e *CommitOrderError) Error() string {
	var b strings.Builder
	b.WriteString("commit order error")
	if e.Type != "" {
		b.WriteString(": ")
		b.WriteString(e.Type)
		if e.Field != "" {
			b.WriteString(".")
			b.WriteString(e.Field)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// Is makes errors.Is(err, ErrCommitOrder) match
func (e *CommitOrderError) Is(target error) bool {
	return target == ErrCommitOrder
}

// PersistenceError reports a storage write that failed during commit.
// Batches written before the failure are not rolled back.
type PersistenceError struct {
	Op   string // insert, update or delete
	Type string
	ID   any
	Err  error
}

// Error implements the error interface
func (e *PersistenceError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Type, e.Err)
	}
	return fmt.Sprintf("failed to %s %s %v: %v", e.Op, e.Type, e.ID, e.Err)
}

// Unwrap returns the storage error
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrPersistence) match
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// MergeError is returned when a detached document cannot be reconciled
// with the managed instance of the same identifier
type MergeError struct {
	Type    string
	ID      any
	Message string
}

// Error implements the error interface
func (e *MergeError) Error() string {
	if e.ID == nil {
		return fmt.Sprintf("cannot merge %s: %s", e.Type, e.Message)
	}
	return fmt.Sprintf("cannot merge %s %v: %s", e.Type, e.ID, e.Message)
}

// Is makes errors.Is(err, ErrMerge) match
func (e *MergeError) Is(target error) bool {
	return target == ErrMerge
}

// IsCommitOrderError returns true if err is a commit order error
func IsCommitOrderError(err error) bool {
	return errors.Is(err, ErrCommitOrder)
}

// IsPersistenceError returns true if err is a persistence error
func IsPersistenceError(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsMergeError returns true if err is a merge error
func IsMergeError(err error) bool {
	return errors.Is(err, ErrMerge)
}
