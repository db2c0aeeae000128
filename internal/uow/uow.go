// Package uow implements the unit of work: it tracks the lifecycle state
// of documents, keeps the identity map, computes change sets against the
// snapshot taken at load or write time, cascades operations along
// associations and issues ordered, batched writes on commit.
//
// A UnitOfWork belongs to a single session and is not safe for concurrent use.
package uow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/events"
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/identity"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"go.uber.org/zap"
)

// entry is the tracking record of a document or of an embedded object.
// Embedded entries carry the owner and field instead of an identity.
type entry struct {
	obj   any
	meta  *mapping.ClassMetadata
	state State

	// original holds the snapshot of each hydrated or written field, keyed
	// by Go field name
	original map[string]any

	ghost  bool
	insert bool

	embedded bool
	owner    any
	field    string
}

// Option configures a UnitOfWork
type Option func(*UnitOfWork)

// WithLogger sets the logger used for commit diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(u *UnitOfWork) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithEvents sets the lifecycle event manager
func WithEvents(m *events.Manager) Option {
	return func(u *UnitOfWork) {
		if m != nil {
			u.events = m
		}
	}
}

// WithIdentifierGenerator replaces the strategy-based identifier generator
func WithIdentifierGenerator(g IdentifierGenerator) Option {
	return func(u *UnitOfWork) {
		if g != nil {
			u.idgen = g
		}
	}
}

// WithPlaceholderFactory replaces the factory of unloaded documents
func WithPlaceholderFactory(f PlaceholderFactory) Option {
	return func(u *UnitOfWork) {
		if f != nil {
			u.placeholders = f
		}
	}
}

// WithDefaultCommitOptions sets options applied before those passed to Commit
func WithDefaultCommitOptions(opts ...CommitOption) Option {
	return func(u *UnitOfWork) {
		u.commitDefaults = append(u.commitDefaults, opts...)
	}
}

// UnitOfWork tracks managed documents of one session
type UnitOfWork struct {
	catalog      *mapping.Catalog
	storage      storage.DocumentStorage
	hydrator     *hydrator.Factory
	identity     *identity.Map
	events       *events.Manager
	logger       *zap.Logger
	idgen        IdentifierGenerator
	placeholders PlaceholderFactory

	commitDefaults []CommitOption

	entries    map[any]*entry
	order      []any
	detached   map[any]struct{}
	changeSets map[any]*ChangeSet
	phase      Phase
}

// New creates a unit of work over a storage driver
func New(catalog *mapping.Catalog, st storage.DocumentStorage, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		catalog:      catalog,
		storage:      st,
		identity:     identity.New(),
		events:       events.NewManager(),
		logger:       zap.NewNop(),
		placeholders: GhostFactory{},
		entries:      make(map[any]*entry),
		detached:     make(map[any]struct{}),
		changeSets:   make(map[any]*ChangeSet),
	}
	u.idgen = &StrategyGenerator{Storage: st}
	u.hydrator = hydrator.NewFactory(catalog, u)
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Catalog returns the metadata catalog
func (u *UnitOfWork) Catalog() *mapping.Catalog {
	return u.catalog
}

// Storage returns the storage driver
func (u *UnitOfWork) Storage() storage.DocumentStorage {
	return u.storage
}

// Hydrator returns the hydrator bound to this unit of work
func (u *UnitOfWork) Hydrator() *hydrator.Factory {
	return u.hydrator
}

// Events returns the lifecycle event manager
func (u *UnitOfWork) Events() *events.Manager {
	return u.events
}

// IdentityMap returns the identity map
func (u *UnitOfWork) IdentityMap() *identity.Map {
	return u.identity
}

// documentMetadata returns the metadata of a top-level document
func (u *UnitOfWork) documentMetadata(obj any) (*mapping.ClassMetadata, error) {
	if obj == nil || reflect.ValueOf(obj).Kind() != reflect.Ptr || reflect.ValueOf(obj).IsNil() {
		return nil, fmt.Errorf("expected a non-nil document pointer, got %T", obj)
	}
	meta, err := u.catalog.GetMetadataFor(obj)
	if err != nil {
		return nil, err
	}
	if meta.IsEmbedded {
		return nil, fmt.Errorf("%s is an embedded type and has no lifecycle of its own", meta.Name)
	}
	return meta, nil
}

func (u *UnitOfWork) track(e *entry) {
	u.entries[e.obj] = e
	if !e.embedded {
		u.order = append(u.order, e.obj)
	}
}

// documents returns the document entries in registration order
func (u *UnitOfWork) documents() []*entry {
	out := make([]*entry, 0, len(u.order))
	kept := u.order[:0]
	for _, obj := range u.order {
		e, ok := u.entries[obj]
		if !ok || e.embedded {
			continue
		}
		kept = append(kept, obj)
		out = append(out, e)
	}
	u.order = kept
	return out
}

// forget drops every trace of obj and its embedded objects
func (u *UnitOfWork) forget(obj any) {
	delete(u.entries, obj)
	delete(u.changeSets, obj)
	u.identity.Remove(obj)
	u.dropEmbedded(obj)
}

func (u *UnitOfWork) dropEmbedded(owner any) {
	for obj, e := range u.entries {
		if e.embedded && e.owner == owner {
			delete(u.entries, obj)
			u.dropEmbedded(obj)
		}
	}
}

func (u *UnitOfWork) register(meta *mapping.ClassMetadata, obj any) error {
	id := meta.GetID(obj)
	if id == nil {
		return nil
	}
	nid, err := meta.NormalizeID(id)
	if err != nil {
		return err
	}
	return u.identity.Register(meta.RootName(), nid, obj)
}

func (u *UnitOfWork) dispatch(ctx context.Context, event events.Event, obj any, meta *mapping.ClassMetadata, changes map[string][2]any) error {
	return u.events.Dispatch(ctx, event, &events.Args{Document: obj, Meta: meta, Changes: changes})
}

// GetReference implements hydrator.Session. It returns the managed
// instance for (meta, id), or a new placeholder registered in the
// identity map.
func (u *UnitOfWork) GetReference(meta *mapping.ClassMetadata, id any) (any, error) {
	if meta.IsInterfaceRoot || meta.IsEmbedded {
		return nil, fmt.Errorf("cannot reference %s: not a concrete document class", meta.Name)
	}
	nid, err := meta.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if obj, ok := u.identity.TryGet(meta.RootName(), nid); ok {
		if !u.catalog.IsInstance(obj, meta) {
			return nil, &identity.DuplicateIdentifierError{Root: meta.RootName(), ID: nid, Existing: obj}
		}
		return obj, nil
	}
	ghost, err := u.placeholders.Create(meta, nid)
	if err != nil {
		return nil, fmt.Errorf("failed to create placeholder for %s %v: %w", meta.Name, nid, err)
	}
	if err := u.identity.Register(meta.RootName(), nid, ghost); err != nil {
		return nil, err
	}
	u.track(&entry{obj: ghost, meta: meta, state: StateManaged, ghost: true, original: map[string]any{}})
	return ghost, nil
}

// RegisterEmbedded implements hydrator.Session
func (u *UnitOfWork) RegisterEmbedded(obj any, meta *mapping.ClassMetadata, owner any, field string) {
	if e, ok := u.entries[obj]; ok && e.embedded {
		e.owner, e.field = owner, field
		return
	}
	u.track(&entry{obj: obj, meta: meta, state: StateManaged, embedded: true, owner: owner, field: field})
}

// SetOriginalData implements hydrator.Session
func (u *UnitOfWork) SetOriginalData(obj any, meta *mapping.ClassMetadata, data map[string]any) {
	e, ok := u.entries[obj]
	if !ok {
		return
	}
	if e.original == nil {
		e.original = make(map[string]any, len(data))
	}
	for name := range data {
		if f, ok := meta.Field(name); ok {
			e.original[name] = u.snapshotField(obj, meta, f)
		}
	}
}

// IsInitialized implements document.Loader
func (u *UnitOfWork) IsInitialized(obj any) bool {
	e, ok := u.entries[obj]
	return !ok || !e.ghost
}

// Initialize implements document.Loader. It loads a placeholder from storage.
func (u *UnitOfWork) Initialize(ctx context.Context, obj any) error {
	e, ok := u.entries[obj]
	if !ok || !e.ghost {
		return nil
	}
	id := e.meta.GetID(obj)
	raw, err := u.loadByID(ctx, u.storage, e.meta, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s %v", storage.ErrNotFound, e.meta.Name, id)
	}
	e.ghost = false
	if _, err := u.hydrator.Hydrate(ctx, obj, raw); err != nil {
		e.ghost = true
		return err
	}
	return u.dispatch(ctx, events.PostLoad, obj, e.meta, nil)
}

// LoadInverse implements hydrator.Session
func (u *UnitOfWork) LoadInverse(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) ([]any, error) {
	target, filter, err := u.inverseFilter(owner, meta, f)
	if err != nil || filter == nil {
		return nil, err
	}
	return u.FindBy(ctx, target, Query{Filter: filter})
}

// CountInverse implements hydrator.Session
func (u *UnitOfWork) CountInverse(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) (int, error) {
	target, filter, err := u.inverseFilter(owner, meta, f)
	if err != nil || filter == nil {
		return 0, err
	}
	return u.Count(ctx, target, filter)
}

// inverseFilter selects the documents whose owning field f.MappedBy
// references owner. A nil filter means owner cannot be referenced yet.
func (u *UnitOfWork) inverseFilter(owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) (*mapping.ClassMetadata, storage.Filter, error) {
	var target *mapping.ClassMetadata
	var err error
	if f.Hierarchy != nil {
		target, err = u.catalog.GetMetadataFor(f.Hierarchy.Interface)
	} else {
		target, err = u.catalog.TargetMetadata(f)
	}
	if err != nil {
		return nil, nil, err
	}
	back, err := u.owningField(target, f.MappedBy)
	if err != nil {
		return nil, nil, err
	}

	id := meta.GetID(owner)
	if id == nil {
		return target, nil, nil
	}
	sid, err := meta.StorageID(id)
	if err != nil {
		return nil, nil, err
	}
	if back.StoreAs == mapping.StoreAsID {
		return target, storage.Filter{back.Key: sid}, nil
	}
	return target, storage.Filter{back.Key + "." + document.RefID: sid}, nil
}

// owningField finds the owning side of an inverse association. Interface
// roots look it up on their variants.
func (u *UnitOfWork) owningField(target *mapping.ClassMetadata, name string) (*mapping.FieldMapping, error) {
	if f, ok := target.Field(name); ok {
		return f, nil
	}
	for _, variant := range target.DiscriminatorMap {
		if vm, ok := u.catalog.MetadataByName(variant); ok {
			if f, ok := vm.Field(name); ok {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("%s has no field %q", target.Name, name)
}

// IsInIdentityMap reports whether obj is registered in the identity map
func (u *UnitOfWork) IsInIdentityMap(obj any) bool {
	return u.identity.Contains(obj)
}

// StateOf returns the lifecycle state of obj
func (u *UnitOfWork) StateOf(obj any) State {
	if e, ok := u.entries[obj]; ok && !e.embedded {
		return e.state
	}
	if _, ok := u.detached[obj]; ok {
		return StateDetached
	}
	meta, err := u.documentMetadata(obj)
	if err != nil {
		return StateNew
	}
	id := meta.GetID(obj)
	if id == nil {
		return StateNew
	}
	if meta.IDStrategy == mapping.IDStorage {
		return StateDetached
	}
	if nid, err := meta.NormalizeID(id); err == nil {
		if _, ok := u.identity.TryGet(meta.RootName(), nid); ok {
			return StateDetached
		}
	}
	return StateNew
}

// Phase returns the state of the last commit
func (u *UnitOfWork) Phase() Phase {
	return u.phase
}

// OriginalData returns a copy of the snapshot of obj keyed by Go field name
func (u *UnitOfWork) OriginalData(obj any) map[string]any {
	e, ok := u.entries[obj]
	if !ok || e.original == nil {
		return nil
	}
	out := make(map[string]any, len(e.original))
	for k, v := range e.original {
		out[k] = v
	}
	return out
}

// Size returns the number of tracked documents
func (u *UnitOfWork) Size() int {
	return len(u.documents())
}

// IsScheduledForInsert reports whether obj will be inserted on commit
func (u *UnitOfWork) IsScheduledForInsert(obj any) bool {
	e, ok := u.entries[obj]
	return ok && e.insert && e.state == StateManaged
}

// IsScheduledForDelete reports whether obj will be deleted on commit
func (u *UnitOfWork) IsScheduledForDelete(obj any) bool {
	e, ok := u.entries[obj]
	return ok && e.state == StateRemoved
}
