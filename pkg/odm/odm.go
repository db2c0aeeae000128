// Package odm is the entry point of the document mapper. A DocumentManager
// owns one unit of work over one storage and exposes the operations
// applications use to load, track and write mapped documents.
//
//	dm, err := odm.New(memory.New())
//	user := &User{Name: "ada"}
//	_ = dm.Persist(ctx, user)
//	_ = dm.Commit(ctx)
//
// A DocumentManager is not safe for concurrent use. Create one per request
// or job and share the Catalog between them.
package odm

import (
	"context"
	"errors"
	"fmt"

	"github.com/conduit-lang/odm/internal/events"
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/internal/uow"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"go.uber.org/zap"
)

// ErrNoStorage is returned by New without a storage
var ErrNoStorage = errors.New("document manager requires a storage")

type (
	// Catalog builds and caches class metadata
	Catalog = mapping.Catalog
	// ClassMetadata describes one mapped class
	ClassMetadata = mapping.ClassMetadata
	// EventManager dispatches lifecycle events
	EventManager = events.Manager
	// UnitOfWork tracks the documents of a DocumentManager
	UnitOfWork = uow.UnitOfWork
	// CommitOption adjusts a single commit
	CommitOption = uow.CommitOption
	// IdentifierGenerator assigns identifiers to new documents
	IdentifierGenerator = uow.IdentifierGenerator
	// PlaceholderFactory creates lazy reference targets
	PlaceholderFactory = uow.PlaceholderFactory
	// State is the lifecycle state of a document
	State = uow.State
)

// Lifecycle states
const (
	StateNew      = uow.StateNew
	StateManaged  = uow.StateManaged
	StateRemoved  = uow.StateRemoved
	StateDetached = uow.StateDetached
)

// WithStorage writes a commit to st instead of the manager storage, for
// example a transaction of the same database
func WithStorage(st storage.DocumentStorage) CommitOption {
	return uow.WithStorage(st)
}

// WithBatchSize splits commit batches into chunks of at most n documents
func WithBatchSize(n int) CommitOption {
	return uow.WithBatchSize(n)
}

type options struct {
	catalog        *mapping.Catalog
	logger         *zap.Logger
	events         *events.Manager
	idgen          uow.IdentifierGenerator
	placeholders   uow.PlaceholderFactory
	commitDefaults []uow.CommitOption
}

// Option configures a DocumentManager
type Option func(*options)

// WithCatalog shares a metadata catalog between managers
func WithCatalog(c *Catalog) Option {
	return func(o *options) {
		o.catalog = c
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventManager sets the lifecycle event manager
func WithEventManager(m *EventManager) Option {
	return func(o *options) {
		o.events = m
	}
}

// WithIdentifierGenerator replaces the mapped identifier strategies
func WithIdentifierGenerator(g IdentifierGenerator) Option {
	return func(o *options) {
		o.idgen = g
	}
}

// WithPlaceholderFactory replaces the factory of lazy reference targets
func WithPlaceholderFactory(f PlaceholderFactory) Option {
	return func(o *options) {
		o.placeholders = f
	}
}

// WithDefaultCommitOptions applies opts to every commit
func WithDefaultCommitOptions(opts ...CommitOption) Option {
	return func(o *options) {
		o.commitDefaults = append(o.commitDefaults, opts...)
	}
}

// DocumentManager is the facade over the catalog, the unit of work and the
// storage
type DocumentManager struct {
	catalog *mapping.Catalog
	storage storage.DocumentStorage
	uow     *uow.UnitOfWork
	logger  *zap.Logger
}

// New creates a DocumentManager over st
func New(st storage.DocumentStorage, opts ...Option) (*DocumentManager, error) {
	if st == nil {
		return nil, ErrNoStorage
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.catalog == nil {
		o.catalog = mapping.NewCatalog()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	uowOpts := []uow.Option{uow.WithLogger(o.logger)}
	if o.events != nil {
		uowOpts = append(uowOpts, uow.WithEvents(o.events))
	}
	if o.idgen != nil {
		uowOpts = append(uowOpts, uow.WithIdentifierGenerator(o.idgen))
	}
	if o.placeholders != nil {
		uowOpts = append(uowOpts, uow.WithPlaceholderFactory(o.placeholders))
	}
	if len(o.commitDefaults) > 0 {
		uowOpts = append(uowOpts, uow.WithDefaultCommitOptions(o.commitDefaults...))
	}

	o.logger.Debug("document manager created", zap.String("storage", fmt.Sprintf("%T", st)))
	return &DocumentManager{
		catalog: o.catalog,
		storage: st,
		uow:     uow.New(o.catalog, st, uowOpts...),
		logger:  o.logger,
	}, nil
}

// Persist makes obj managed and schedules its insertion
func (dm *DocumentManager) Persist(ctx context.Context, obj any) error {
	return dm.uow.Persist(ctx, obj)
}

// Remove schedules obj for deletion
func (dm *DocumentManager) Remove(ctx context.Context, obj any) error {
	return dm.uow.Remove(ctx, obj)
}

// Merge copies the state of a detached document onto its managed instance
// and returns the managed instance
func (dm *DocumentManager) Merge(ctx context.Context, obj any) (any, error) {
	return dm.uow.Merge(ctx, obj)
}

// Detach stops tracking obj
func (dm *DocumentManager) Detach(obj any) {
	dm.uow.Detach(obj)
}

// Clear detaches every document
func (dm *DocumentManager) Clear() {
	dm.uow.Clear()
}

// Commit writes every pending change
func (dm *DocumentManager) Commit(ctx context.Context, opts ...CommitOption) error {
	return dm.uow.Commit(ctx, opts...)
}

// Refresh reloads obj from storage, discarding pending changes
func (dm *DocumentManager) Refresh(ctx context.Context, obj any) error {
	return dm.uow.Refresh(ctx, obj)
}

// Find loads the document of class with the given identifier. class is a
// pointer to a mapped struct, a struct value or a reflect.Type. The result
// is nil when no document matches.
func (dm *DocumentManager) Find(ctx context.Context, class any, id any) (any, error) {
	meta, err := dm.catalog.GetMetadataFor(class)
	if err != nil {
		return nil, err
	}
	return dm.uow.Find(ctx, meta, id)
}

// FindBy loads the documents of class matching filter
func (dm *DocumentManager) FindBy(ctx context.Context, class any, filter storage.Filter, opts ...QueryOption) ([]any, error) {
	meta, err := dm.catalog.GetMetadataFor(class)
	if err != nil {
		return nil, err
	}
	return dm.uow.FindBy(ctx, meta, newQuery(filter, opts))
}

// FindRaw returns the stored documents of class matching filter without
// hydrating them
func (dm *DocumentManager) FindRaw(ctx context.Context, class any, filter storage.Filter, opts ...QueryOption) ([]document.Raw, error) {
	meta, err := dm.catalog.GetMetadataFor(class)
	if err != nil {
		return nil, err
	}
	return dm.uow.FindRaw(ctx, meta, newQuery(filter, opts))
}

// Count returns the number of stored documents of class matching filter
func (dm *DocumentManager) Count(ctx context.Context, class any, filter storage.Filter) (int, error) {
	meta, err := dm.catalog.GetMetadataFor(class)
	if err != nil {
		return 0, err
	}
	return dm.uow.Count(ctx, meta, filter)
}

// GetReference returns the managed instance of class with the given
// identifier without loading it
func (dm *DocumentManager) GetReference(class any, id any) (any, error) {
	meta, err := dm.catalog.GetMetadataFor(class)
	if err != nil {
		return nil, err
	}
	return dm.uow.GetReference(meta, id)
}

// GetClassMetadata returns the metadata of class
func (dm *DocumentManager) GetClassMetadata(class any) (*ClassMetadata, error) {
	return dm.catalog.GetMetadataFor(class)
}

// Contains reports whether obj is managed and not scheduled for removal
func (dm *DocumentManager) Contains(obj any) bool {
	return dm.uow.StateOf(obj) == uow.StateManaged
}

// StateOf returns the lifecycle state of obj
func (dm *DocumentManager) StateOf(obj any) State {
	return dm.uow.StateOf(obj)
}

// GetUnitOfWork returns the unit of work
func (dm *DocumentManager) GetUnitOfWork() *UnitOfWork {
	return dm.uow
}

// GetHydratorFactory returns the hydrator bound to the unit of work
func (dm *DocumentManager) GetHydratorFactory() *hydrator.Factory {
	return dm.uow.Hydrator()
}

// Catalog returns the metadata catalog
func (dm *DocumentManager) Catalog() *Catalog {
	return dm.catalog
}

// Storage returns the storage of the manager
func (dm *DocumentManager) Storage() storage.DocumentStorage {
	return dm.storage
}

// Events returns the lifecycle event manager
func (dm *DocumentManager) Events() *EventManager {
	return dm.uow.Events()
}

// Close clears the unit of work and closes storages holding resources
func (dm *DocumentManager) Close() error {
	dm.uow.Clear()
	if c, ok := dm.storage.(storage.Closer); ok {
		if err := c.Close(); err != nil {
			dm.logger.Error("failed to close storage", zap.Error(err))
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}
	dm.logger.Debug("document manager closed")
	return nil
}
