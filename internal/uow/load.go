package uow

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/events"
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/identity"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
)

// Hints adjust how loaded documents are hydrated
type Hints struct {
	// ReadOnly returns detached snapshots that are not tracked
	ReadOnly bool
	// Refresh overwrites documents that are already managed
	Refresh bool
}

// Query selects documents of one class
type Query struct {
	Filter  storage.Filter
	Options storage.FindOptions
	Hints   Hints
}

// classFilter restricts filter to the documents of meta. Classes sharing a
// collection are told apart by their discriminator value.
func classFilter(meta *mapping.ClassMetadata, filter storage.Filter) storage.Filter {
	if meta.DiscriminatorField == "" || meta.DiscriminatorValue == "" {
		return filter
	}
	out := make(storage.Filter, len(filter)+1)
	for k, v := range filter {
		out[k] = v
	}
	out[meta.DiscriminatorField] = meta.DiscriminatorValue
	return out
}

func (u *UnitOfWork) loadByID(ctx context.Context, st storage.DocumentStorage, meta *mapping.ClassMetadata, id any) (document.Raw, error) {
	if id == nil {
		return nil, fmt.Errorf("cannot load %s without an identifier", meta.Name)
	}
	sid, err := meta.StorageID(id)
	if err != nil {
		return nil, err
	}
	filter := classFilter(meta, storage.ByID(sid))
	cursor, err := st.Find(ctx, meta.Collection, filter, storage.FindOptions{Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %v: %w", meta.Name, id, err)
	}
	docs, err := storage.All(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %v: %w", meta.Name, id, err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Find returns the document of meta with the given identifier, or nil when
// it does not exist. Managed instances are returned without a storage
// round-trip.
func (u *UnitOfWork) Find(ctx context.Context, meta *mapping.ClassMetadata, id any) (any, error) {
	if meta.IsEmbedded {
		return nil, fmt.Errorf("%s is an embedded type and cannot be loaded", meta.Name)
	}
	nid, err := meta.NormalizeID(id)
	if err != nil {
		return nil, err
	}
	if obj, ok := u.identity.TryGet(meta.RootName(), nid); ok {
		if !u.catalog.IsInstance(obj, meta) {
			return nil, &identity.DuplicateIdentifierError{Root: meta.RootName(), ID: nid, Existing: obj}
		}
		if err := u.Initialize(ctx, obj); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return obj, nil
	}

	raw, err := u.loadByID(ctx, u.storage, meta, nid)
	if err != nil || raw == nil {
		return nil, err
	}
	return u.GetOrCreate(ctx, meta, raw, Hints{})
}

// FindRaw returns the stored documents of meta matching q without hydrating them
func (u *UnitOfWork) FindRaw(ctx context.Context, meta *mapping.ClassMetadata, q Query) ([]document.Raw, error) {
	if meta.IsEmbedded {
		return nil, fmt.Errorf("%s is an embedded type and cannot be queried", meta.Name)
	}
	cursor, err := u.storage.Find(ctx, meta.Collection, classFilter(meta, q.Filter), q.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", meta.Name, err)
	}
	docs, err := storage.All(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", meta.Name, err)
	}
	return docs, nil
}

// FindBy returns the documents of meta matching q. Interface roots return
// every variant of the hierarchy.
func (u *UnitOfWork) FindBy(ctx context.Context, meta *mapping.ClassMetadata, q Query) ([]any, error) {
	docs, err := u.FindRaw(ctx, meta, q)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(docs))
	for _, raw := range docs {
		obj, err := u.GetOrCreate(ctx, meta, raw, q.Hints)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Count returns the number of stored documents of meta matching filter
func (u *UnitOfWork) Count(ctx context.Context, meta *mapping.ClassMetadata, filter storage.Filter) (int, error) {
	filter = classFilter(meta, filter)
	if c, ok := u.storage.(storage.Counter); ok {
		n, err := c.Count(ctx, meta.Collection, filter)
		if err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", meta.Name, err)
		}
		return n, nil
	}
	docs, err := u.FindRaw(ctx, meta, Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// GetOrCreate returns the managed instance of a stored document, hydrating
// it when it is new to this unit of work. A managed instance is only
// completed with fields missing from its snapshot unless hints request a
// refresh.
func (u *UnitOfWork) GetOrCreate(ctx context.Context, meta *mapping.ClassMetadata, raw document.Raw, hints Hints) (any, error) {
	class, err := u.catalog.ResolveDocument(meta, raw)
	if err != nil {
		return nil, err
	}
	rawID, ok := raw[document.KeyID]
	if !ok || rawID == nil {
		return nil, fmt.Errorf("stored %s document has no identifier", class.Name)
	}
	id, err := class.NormalizeID(rawID)
	if err != nil {
		return nil, err
	}

	if hints.ReadOnly {
		obj := class.NewInstance()
		if _, err := u.hydrator.Hydrate(ctx, obj, raw, hydrator.ReadOnly()); err != nil {
			return nil, err
		}
		return obj, u.dispatch(ctx, events.PostLoad, obj, class, nil)
	}

	if obj, ok := u.identity.TryGet(class.RootName(), id); ok {
		if reflect.TypeOf(obj) != reflect.PointerTo(class.GoType) {
			return nil, &identity.DuplicateIdentifierError{Root: class.RootName(), ID: id, Existing: obj}
		}
		e := u.entries[obj]
		switch {
		case e.ghost:
			e.ghost = false
			if _, err := u.hydrator.Hydrate(ctx, obj, raw); err != nil {
				e.ghost = true
				return nil, err
			}
			return obj, u.dispatch(ctx, events.PostLoad, obj, class, nil)
		case hints.Refresh:
			e.original = map[string]any{}
			if _, err := u.hydrator.Hydrate(ctx, obj, raw, hydrator.Refresh()); err != nil {
				return nil, err
			}
			return obj, u.dispatch(ctx, events.PostLoad, obj, class, nil)
		}
		missing := make(document.Raw)
		for key, v := range raw {
			if f, ok := class.FieldByKey(key); ok && f.IsOwningSide() {
				if _, known := e.original[f.Name]; !known {
					missing[key] = v
				}
			}
		}
		if len(missing) > 0 {
			if _, err := u.hydrator.Hydrate(ctx, obj, missing); err != nil {
				return nil, err
			}
		}
		return obj, nil
	}

	obj := class.NewInstance()
	if err := u.identity.Register(class.RootName(), id, obj); err != nil {
		return nil, err
	}
	u.track(&entry{obj: obj, meta: class, state: StateManaged, original: map[string]any{}})
	if _, err := u.hydrator.Hydrate(ctx, obj, raw); err != nil {
		u.forget(obj)
		return nil, err
	}
	return obj, u.dispatch(ctx, events.PostLoad, obj, class, nil)
}
