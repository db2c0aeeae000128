package odm

import (
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/identity"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/internal/uow"
	"github.com/conduit-lang/odm/pkg/storage"
)

type (
	// MappingError reports an invalid or unmappable class
	MappingError = mapping.Error
	// HydrationError reports a stored value that does not fit its field
	HydrationError = hydrator.Error
	// DuplicateIdentifierError reports two instances claiming one identifier
	DuplicateIdentifierError = identity.DuplicateIdentifierError
	// MergeError reports a document that cannot be merged
	MergeError = uow.MergeError
	// CommitOrderError reports new documents that cannot be written
	CommitOrderError = uow.CommitOrderError
	// PersistenceError reports a failed write
	PersistenceError = uow.PersistenceError
)

var (
	ErrNotFound         = storage.ErrNotFound
	ErrDuplicateKey     = storage.ErrDuplicateKey
	ErrDetached         = uow.ErrDetached
	ErrNotManaged       = uow.ErrNotManaged
	ErrCommitInProgress = uow.ErrCommitInProgress
)

// IsMappingError returns true if err is or wraps a MappingError
func IsMappingError(err error) bool { return mapping.IsMappingError(err) }

// IsHydrationError returns true if err is or wraps a HydrationError
func IsHydrationError(err error) bool { return hydrator.IsHydrationError(err) }

// IsMergeError returns true if err is or wraps a MergeError
func IsMergeError(err error) bool { return uow.IsMergeError(err) }

// IsCommitOrderError returns true if err is or wraps a CommitOrderError
func IsCommitOrderError(err error) bool { return uow.IsCommitOrderError(err) }

// IsPersistenceError returns true if err is or wraps a PersistenceError
func IsPersistenceError(err error) bool { return uow.IsPersistenceError(err) }
