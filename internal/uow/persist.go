package uow

import (
	"context"
	"fmt"

	"github.com/conduit-lang/odm/internal/events"
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"go.uber.org/zap"
)

// loadPolicy selects which uninitialized collections a traversal loads
type loadPolicy int

const (
	loadNever loadPolicy = iota
	loadDirty
	loadAlways
)

func (p loadPolicy) load(coll document.PersistentCollection) bool {
	switch p {
	case loadAlways:
		return true
	case loadDirty:
		return coll.IsDirty()
	}
	return false
}

type visitFunc func(owner *mapping.ClassMetadata, f *mapping.FieldMapping, target any) error

// walkReferences calls fn for every referenced document of obj, including
// those referenced from its embedded objects
func (u *UnitOfWork) walkReferences(ctx context.Context, obj any, meta *mapping.ClassMetadata, policy loadPolicy, fn visitFunc) error {
	for _, f := range meta.Associations() {
		fv, err := meta.FieldValue(obj, f)
		if err != nil {
			return err
		}
		switch f.Type {
		case mapping.FieldReferenceOne:
			if t := fv.Addr().Interface().(document.Reference).Target(); t != nil {
				if err := fn(meta, f, t); err != nil {
					return err
				}
			}

		case mapping.FieldEmbedOne:
			if fv.IsNil() {
				continue
			}
			emb := fv.Interface()
			em, err := u.catalog.GetMetadataFor(emb)
			if err != nil {
				return err
			}
			if err := u.walkReferences(ctx, emb, em, policy, fn); err != nil {
				return err
			}

		case mapping.FieldEmbedMany, mapping.FieldReferenceMany:
			coll := fv.Addr().Interface().(document.PersistentCollection)
			if !coll.IsInitialized() {
				if !policy.load(coll) {
					continue
				}
				if err := coll.Initialize(ctx); err != nil {
					return err
				}
			}
			for _, el := range coll.Elements() {
				if f.Type == mapping.FieldReferenceMany {
					if err := fn(meta, f, el); err != nil {
						return err
					}
					continue
				}
				em, err := u.catalog.GetMetadataFor(el)
				if err != nil {
					return err
				}
				if err := u.walkReferences(ctx, el, em, policy, fn); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// cascade applies op to every document reached through an association
// carrying flag
func (u *UnitOfWork) cascade(ctx context.Context, obj any, meta *mapping.ClassMetadata, flag mapping.CascadeFlags, policy loadPolicy, op func(target any) error) error {
	return u.walkReferences(ctx, obj, meta, policy, func(_ *mapping.ClassMetadata, f *mapping.FieldMapping, target any) error {
		if !f.Cascade.Has(flag) {
			return nil
		}
		return op(target)
	})
}

// Persist makes a new document managed and schedules its insertion.
// Removed documents become managed again.
func (u *UnitOfWork) Persist(ctx context.Context, obj any) error {
	return u.persist(ctx, obj, make(map[any]bool))
}

func (u *UnitOfWork) persist(ctx context.Context, obj any, visited map[any]bool) error {
	if visited[obj] {
		return nil
	}
	visited[obj] = true

	meta, err := u.documentMetadata(obj)
	if err != nil {
		return err
	}

	switch u.StateOf(obj) {
	case StateNew:
		if err := u.persistNew(ctx, obj, meta); err != nil {
			return err
		}
	case StateRemoved:
		u.entries[obj].state = StateManaged
	case StateDetached:
		return fmt.Errorf("cannot persist %s: %w", meta.Name, ErrDetached)
	}

	return u.cascade(ctx, obj, meta, mapping.CascadePersist, loadDirty, func(target any) error {
		return u.persist(ctx, target, visited)
	})
}

func (u *UnitOfWork) persistNew(ctx context.Context, obj any, meta *mapping.ClassMetadata) error {
	if err := u.dispatch(ctx, events.PrePersist, obj, meta, nil); err != nil {
		return err
	}
	if meta.GetID(obj) == nil && meta.IDStrategy != mapping.IDStorage {
		id, err := u.idgen.Generate(ctx, meta)
		if err != nil {
			return err
		}
		if id != nil {
			if err := meta.SetID(obj, id); err != nil {
				return err
			}
		}
	}
	if meta.GetID(obj) == nil && meta.IDStrategy != mapping.IDStorage {
		return fmt.Errorf("identifier of %s must be set before persist", meta.Name)
	}
	if err := u.register(meta, obj); err != nil {
		return err
	}
	delete(u.detached, obj)
	u.track(&entry{obj: obj, meta: meta, state: StateManaged, insert: true})
	return nil
}

// Remove schedules a managed document for deletion. Removing a document
// that was persisted but never written cancels its insertion.
func (u *UnitOfWork) Remove(ctx context.Context, obj any) error {
	return u.remove(ctx, obj, make(map[any]bool))
}

func (u *UnitOfWork) remove(ctx context.Context, obj any, visited map[any]bool) error {
	if visited[obj] {
		return nil
	}
	visited[obj] = true

	meta, err := u.documentMetadata(obj)
	if err != nil {
		return err
	}

	switch u.StateOf(obj) {
	case StateNew, StateRemoved:
		return nil
	case StateDetached:
		return fmt.Errorf("cannot remove %s: %w", meta.Name, ErrDetached)
	}

	e := u.entries[obj]
	if e.ghost && hasCascade(meta, mapping.CascadeRemove) {
		if err := u.Initialize(ctx, obj); err != nil {
			return err
		}
	}
	err = u.cascade(ctx, obj, meta, mapping.CascadeRemove, loadAlways, func(target any) error {
		return u.remove(ctx, target, visited)
	})
	if err != nil {
		return err
	}

	if e.insert {
		u.forget(obj)
		return nil
	}
	if err := u.dispatch(ctx, events.PreRemove, obj, meta, nil); err != nil {
		return err
	}
	e.state = StateRemoved
	delete(u.changeSets, obj)
	return nil
}

func hasCascade(meta *mapping.ClassMetadata, flag mapping.CascadeFlags) bool {
	for _, f := range meta.Associations() {
		if f.Cascade.Has(flag) || f.Type.IsEmbedded() {
			return true
		}
	}
	return false
}

// Detach stops tracking obj. Pending changes of obj are discarded.
func (u *UnitOfWork) Detach(obj any) {
	u.detach(obj, make(map[any]bool))
}

func (u *UnitOfWork) detach(obj any, visited map[any]bool) {
	if visited[obj] {
		return
	}
	visited[obj] = true

	e, ok := u.entries[obj]
	if !ok || e.embedded {
		return
	}
	err := u.cascade(context.Background(), obj, e.meta, mapping.CascadeDetach, loadNever, func(target any) error {
		u.detach(target, visited)
		return nil
	})
	if err != nil {
		u.logger.Warn("detach cascade stopped early",
			zap.String("type", e.meta.Name),
			zap.Any("id", e.meta.GetID(obj)),
			zap.Error(err),
		)
	}
	u.forget(obj)
	u.detached[obj] = struct{}{}
}

// Clear detaches every document
func (u *UnitOfWork) Clear() {
	for _, e := range u.documents() {
		u.detached[e.obj] = struct{}{}
	}
	u.entries = make(map[any]*entry)
	u.order = nil
	u.changeSets = make(map[any]*ChangeSet)
	u.identity.Clear()
	u.phase = PhaseIdle
}

// Refresh overwrites a managed document with its stored state, discarding
// pending changes
func (u *UnitOfWork) Refresh(ctx context.Context, obj any) error {
	return u.refresh(ctx, obj, make(map[any]bool))
}

func (u *UnitOfWork) refresh(ctx context.Context, obj any, visited map[any]bool) error {
	if visited[obj] {
		return nil
	}
	visited[obj] = true

	meta, err := u.documentMetadata(obj)
	if err != nil {
		return err
	}
	e, ok := u.entries[obj]
	if !ok || e.state != StateManaged {
		return fmt.Errorf("cannot refresh %s: %w", meta.Name, ErrNotManaged)
	}
	if e.insert {
		return fmt.Errorf("cannot refresh %s before it is written", meta.Name)
	}

	id := meta.GetID(obj)
	raw, err := u.loadByID(ctx, u.storage, meta, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: %s %v", storage.ErrNotFound, meta.Name, id)
	}

	u.dropEmbedded(obj)
	e.ghost = false
	e.original = map[string]any{}
	delete(u.changeSets, obj)
	if _, err := u.hydrator.Hydrate(ctx, obj, raw, hydrator.Refresh()); err != nil {
		return err
	}
	if err := u.dispatch(ctx, events.PostLoad, obj, meta, nil); err != nil {
		return err
	}
	return u.cascade(ctx, obj, meta, mapping.CascadeRefresh, loadNever, func(target any) error {
		if te, ok := u.entries[target]; !ok || te.ghost || te.insert || te.state != StateManaged {
			return nil
		}
		return u.refresh(ctx, target, visited)
	})
}
