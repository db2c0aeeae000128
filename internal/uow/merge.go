package uow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
)

// Merge copies the state of a detached document onto the managed instance
// with the same identifier, loading it when needed, and returns the
// managed instance. Unknown documents are copied into a new instance that
// is persisted. The argument itself never becomes managed.
func (u *UnitOfWork) Merge(ctx context.Context, obj any) (any, error) {
	return u.merge(ctx, obj, make(map[any]any))
}

func (u *UnitOfWork) merge(ctx context.Context, obj any, visited map[any]any) (any, error) {
	if managed, ok := visited[obj]; ok {
		return managed, nil
	}
	meta, err := u.documentMetadata(obj)
	if err != nil {
		return nil, err
	}

	if e, ok := u.entries[obj]; ok && !e.embedded {
		if e.state == StateRemoved {
			return nil, &MergeError{Type: meta.Name, ID: meta.GetID(obj), Message: "document is scheduled for removal"}
		}
		visited[obj] = obj
		if err := u.cascadeMerge(ctx, obj, meta, visited); err != nil {
			return nil, err
		}
		return obj, nil
	}

	var managed any
	id := meta.GetID(obj)
	if id != nil {
		nid, err := meta.NormalizeID(id)
		if err != nil {
			return nil, err
		}
		if existing, ok := u.identity.TryGet(meta.RootName(), nid); ok {
			if err := u.Initialize(ctx, existing); err != nil {
				return nil, err
			}
			managed = existing
		} else if managed, err = u.Find(ctx, meta, nid); err != nil {
			return nil, err
		}
		if managed != nil {
			if reflect.TypeOf(managed) != reflect.TypeOf(obj) {
				return nil, &MergeError{
					Type:    meta.Name,
					ID:      nid,
					Message: fmt.Sprintf("identifier is managed as %T", managed),
				}
			}
			if e := u.entries[managed]; e != nil && e.state == StateRemoved {
				return nil, &MergeError{Type: meta.Name, ID: nid, Message: "document is scheduled for removal"}
			}
		}
	}

	if managed == nil {
		managed = meta.NewInstance()
		if id != nil {
			if err := meta.SetID(managed, id); err != nil {
				return nil, err
			}
		}
		visited[obj] = managed
		if err := u.copyFields(ctx, managed, obj, meta, visited); err != nil {
			return nil, err
		}
		if err := u.persistNew(ctx, managed, meta); err != nil {
			return nil, err
		}
		if err := u.Persist(ctx, managed); err != nil {
			return nil, err
		}
		return managed, nil
	}

	visited[obj] = managed
	if err := u.copyFields(ctx, managed, obj, meta, visited); err != nil {
		return nil, err
	}
	return managed, nil
}

// cascadeMerge merges the targets of cascade-merge references of a managed
// document and points the references at the merged instances
func (u *UnitOfWork) cascadeMerge(ctx context.Context, obj any, meta *mapping.ClassMetadata, visited map[any]any) error {
	for _, f := range meta.Associations() {
		if !f.Type.IsReference() || !f.Cascade.Has(mapping.CascadeMerge) {
			continue
		}
		fv, err := meta.FieldValue(obj, f)
		if err != nil {
			return err
		}
		if f.Type == mapping.FieldReferenceOne {
			ref := fv.Addr().Interface().(document.Reference)
			if t := ref.Target(); t != nil {
				merged, err := u.merge(ctx, t, visited)
				if err != nil {
					return err
				}
				if merged != t {
					ref.Bind(merged, ref.TargetID(), u)
				}
			}
			continue
		}
		coll := fv.Addr().Interface().(document.PersistentCollection)
		if !coll.IsInitialized() {
			continue
		}
		items, changed, err := u.mergeElements(ctx, f, coll.Elements(), visited)
		if err != nil {
			return err
		}
		if changed {
			coll.Replace(items)
		}
	}
	return nil
}

func (u *UnitOfWork) mergeElements(ctx context.Context, f *mapping.FieldMapping, elements []any, visited map[any]any) ([]any, bool, error) {
	items := make([]any, len(elements))
	changed := false
	for i, el := range elements {
		merged, err := u.mergeTarget(ctx, f, el, visited)
		if err != nil {
			return nil, false, err
		}
		items[i] = merged
		if merged != el {
			changed = true
		}
	}
	return items, changed, nil
}

// mergeTarget returns the managed counterpart of a referenced document
func (u *UnitOfWork) mergeTarget(ctx context.Context, f *mapping.FieldMapping, target any, visited map[any]any) (any, error) {
	if f.Cascade.Has(mapping.CascadeMerge) {
		return u.merge(ctx, target, visited)
	}
	if e, ok := u.entries[target]; ok && !e.embedded {
		return target, nil
	}
	meta, err := u.documentMetadata(target)
	if err != nil {
		return nil, err
	}
	id := meta.GetID(target)
	if id == nil {
		return nil, &MergeError{
			Type:    meta.Name,
			Message: fmt.Sprintf("reference %s.%s points at a new document and does not cascade merge", f.Declarer, f.Name),
		}
	}
	return u.GetReference(meta, id)
}

// copyFields copies the mapped state of src onto dst. Embedded objects are
// copied, references are resolved to managed instances.
func (u *UnitOfWork) copyFields(ctx context.Context, dst, src any, meta *mapping.ClassMetadata, visited map[any]any) error {
	for _, f := range meta.Fields {
		if f.IsID || !f.IsOwningSide() {
			continue
		}
		sv, err := meta.FieldValue(src, f)
		if err != nil {
			return err
		}
		dv, err := meta.FieldValue(dst, f)
		if err != nil {
			return err
		}

		switch f.Type {
		case mapping.FieldScalar:
			dv.Set(sv)

		case mapping.FieldEmbedOne:
			if sv.IsNil() {
				dv.Set(reflect.Zero(dv.Type()))
				continue
			}
			if u.sameStoredValue(dst, src, meta, f) {
				continue
			}
			cp, err := u.copyEmbedded(ctx, sv.Interface(), visited)
			if err != nil {
				return err
			}
			dv.Set(reflect.ValueOf(cp))

		case mapping.FieldEmbedMany:
			scoll := sv.Addr().Interface().(document.PersistentCollection)
			if !scoll.IsInitialized() && !scoll.IsDirty() {
				continue
			}
			if err := scoll.Initialize(ctx); err != nil {
				return err
			}
			dcoll := dv.Addr().Interface().(document.PersistentCollection)
			if err := dcoll.Initialize(ctx); err != nil {
				return err
			}
			if u.sameStoredValue(dst, src, meta, f) {
				continue
			}
			items := make([]any, 0, len(scoll.Elements()))
			for _, el := range scoll.Elements() {
				cp, err := u.copyEmbedded(ctx, el, visited)
				if err != nil {
					return err
				}
				items = append(items, cp)
			}
			dcoll.Replace(items)

		case mapping.FieldReferenceOne:
			sref := sv.Addr().Interface().(document.Reference)
			dref := dv.Addr().Interface().(document.Reference)
			t := sref.Target()
			if t == nil {
				dref.Bind(nil, nil, nil)
				continue
			}
			merged, err := u.mergeTarget(ctx, f, t, visited)
			if err != nil {
				return err
			}
			if merged != dref.Target() {
				tm, err := u.catalog.GetMetadataFor(merged)
				if err != nil {
					return err
				}
				dref.Bind(merged, tm.GetID(merged), u)
			}

		case mapping.FieldReferenceMany:
			scoll := sv.Addr().Interface().(document.PersistentCollection)
			if !scoll.IsInitialized() && !scoll.IsDirty() {
				continue
			}
			if err := scoll.Initialize(ctx); err != nil {
				return err
			}
			items, _, err := u.mergeElements(ctx, f, scoll.Elements(), visited)
			if err != nil {
				return err
			}
			dcoll := dv.Addr().Interface().(document.PersistentCollection)
			if err := dcoll.Initialize(ctx); err != nil {
				return err
			}
			if !sameElements(dcoll.Elements(), items) {
				dcoll.Replace(items)
			}
		}
	}
	return nil
}

func (u *UnitOfWork) copyEmbedded(ctx context.Context, src any, visited map[any]any) (any, error) {
	meta, err := u.catalog.GetMetadataFor(src)
	if err != nil {
		return nil, err
	}
	dst := meta.NewInstance()
	if err := u.copyFields(ctx, dst, src, meta, visited); err != nil {
		return nil, err
	}
	return dst, nil
}

// sameStoredValue reports whether f serializes identically on a and b
func (u *UnitOfWork) sameStoredValue(a, b any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) bool {
	av, err := u.hydrator.ExtractField(a, meta, f)
	if err != nil {
		return false
	}
	bv, err := u.hydrator.ExtractField(b, meta, f)
	if err != nil {
		return false
	}
	return storage.Equal(av, bv)
}

func sameElements(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
