package uow

import (
	"context"
	"reflect"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
)

// FieldChange is the change of a single-valued field. Scalars carry their
// stored form; references and embedded fields carry the objects.
type FieldChange struct {
	Field *mapping.FieldMapping
	Old   any
	New   any
	// Embedded holds the changes inside an embedded object that was
	// modified in place
	Embedded *ChangeSet
}

// CollectionChange is the change of a to-many field
type CollectionChange struct {
	Field    *mapping.FieldMapping
	Inserted []any
	Deleted  []any
	// Replaced means the whole field must be rewritten
	Replaced bool
}

// ChangeSet holds the differences between a document and its snapshot
type ChangeSet struct {
	Document    any
	Meta        *mapping.ClassMetadata
	Insert      bool
	Fields      map[string]*FieldChange
	Collections map[string]*CollectionChange
}

func newChangeSet(obj any, meta *mapping.ClassMetadata) *ChangeSet {
	return &ChangeSet{
		Document:    obj,
		Meta:        meta,
		Fields:      make(map[string]*FieldChange),
		Collections: make(map[string]*CollectionChange),
	}
}

// IsEmpty returns true if nothing changed
func (c *ChangeSet) IsEmpty() bool {
	return c == nil || (len(c.Fields) == 0 && len(c.Collections) == 0)
}

// Has reports whether the field with the given Go name changed
func (c *ChangeSet) Has(name string) bool {
	if c == nil {
		return false
	}
	_, f := c.Fields[name]
	_, coll := c.Collections[name]
	return f || coll
}

// Changes returns the single-valued changes as [old, new] pairs keyed by Go field name
func (c *ChangeSet) Changes() map[string][2]any {
	if c == nil {
		return nil
	}
	out := make(map[string][2]any, len(c.Fields))
	for name, fc := range c.Fields {
		out[name] = [2]any{fc.Old, fc.New}
	}
	return out
}

// ChangeSet returns the change set computed for obj by the last
// ComputeChangeSets or Commit, or nil
func (u *UnitOfWork) ChangeSet(obj any) *ChangeSet {
	return u.changeSets[obj]
}

// snapshotField captures the value of f used for change detection:
// the stored form of scalars and the identity of associations
func (u *UnitOfWork) snapshotField(obj any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) any {
	fv, err := meta.FieldValue(obj, f)
	if err != nil {
		return nil
	}
	switch f.Type {
	case mapping.FieldScalar:
		v, err := u.hydrator.ExtractField(obj, meta, f)
		if err != nil {
			return nil
		}
		return storage.CloneValue(v)
	case mapping.FieldEmbedOne:
		if fv.IsNil() {
			return nil
		}
		return fv.Interface()
	case mapping.FieldReferenceOne:
		return fv.Addr().Interface().(document.Reference).Target()
	default:
		return fv.Addr().Interface().(document.PersistentCollection).Identity()
	}
}

// takeSnapshot records the current state of obj and of its embedded
// objects after a successful write
func (u *UnitOfWork) takeSnapshot(obj any, meta *mapping.ClassMetadata) {
	e, ok := u.entries[obj]
	if !ok {
		return
	}
	e.original = make(map[string]any, len(meta.Fields))
	for _, f := range meta.Fields {
		if !f.IsOwningSide() {
			continue
		}
		e.original[f.Name] = u.snapshotField(obj, meta, f)

		fv, err := meta.FieldValue(obj, f)
		if err != nil {
			continue
		}
		switch f.Type {
		case mapping.FieldEmbedOne:
			if !fv.IsNil() {
				u.snapshotEmbedded(fv.Interface(), obj, f)
			}
		case mapping.FieldEmbedMany, mapping.FieldReferenceMany:
			coll := fv.Addr().Interface().(document.PersistentCollection)
			if !coll.IsBound() {
				coll.Bind(document.Binding{Owner: obj, Field: f.Name})
			}
			if f.Type == mapping.FieldEmbedMany && coll.IsInitialized() {
				for _, el := range coll.Elements() {
					u.snapshotEmbedded(el, obj, f)
				}
			}
			coll.TakeSnapshot()
		}
	}
}

func (u *UnitOfWork) snapshotEmbedded(obj any, owner any, f *mapping.FieldMapping) {
	meta, err := u.catalog.GetMetadataFor(obj)
	if err != nil {
		return
	}
	u.RegisterEmbedded(obj, meta, owner, f.Name)
	u.takeSnapshot(obj, meta)
}

// diff compares obj with its snapshot. It returns nil when nothing changed.
func (u *UnitOfWork) diff(ctx context.Context, obj any, meta *mapping.ClassMetadata, original map[string]any) (*ChangeSet, error) {
	cs := newChangeSet(obj, meta)
	for _, f := range meta.Fields {
		if !f.IsOwningSide() || f.IsID {
			continue
		}
		fv, err := meta.FieldValue(obj, f)
		if err != nil {
			return nil, err
		}
		old, had := original[f.Name]

		switch f.Type {
		case mapping.FieldScalar:
			v, err := u.hydrator.ExtractField(obj, meta, f)
			if err != nil {
				return nil, err
			}
			cur := storage.CloneValue(v)
			if (had && !storage.Equal(old, cur)) || (!had && !fv.IsZero()) {
				cs.Fields[f.Name] = &FieldChange{Field: f, Old: old, New: cur}
			}

		case mapping.FieldEmbedOne:
			var cur any
			if !fv.IsNil() {
				cur = fv.Interface()
			}
			if cur != old {
				if cur != nil || old != nil {
					cs.Fields[f.Name] = &FieldChange{Field: f, Old: old, New: cur}
				}
				continue
			}
			if cur == nil {
				continue
			}
			sub, tracked, err := u.diffEmbedded(ctx, cur)
			if err != nil {
				return nil, err
			}
			if !tracked {
				cs.Fields[f.Name] = &FieldChange{Field: f, Old: old, New: cur}
			} else if !sub.IsEmpty() {
				cs.Fields[f.Name] = &FieldChange{Field: f, Old: old, New: cur, Embedded: sub}
			}

		case mapping.FieldReferenceOne:
			cur := fv.Addr().Interface().(document.Reference).Target()
			if (had && cur != old) || (!had && cur != nil) {
				cs.Fields[f.Name] = &FieldChange{Field: f, Old: old, New: cur}
			}

		case mapping.FieldEmbedMany, mapping.FieldReferenceMany:
			cc, err := u.diffCollection(ctx, f, fv, old, had)
			if err != nil {
				return nil, err
			}
			if cc != nil {
				cs.Collections[f.Name] = cc
			}
		}
	}
	if cs.IsEmpty() {
		return nil, nil
	}
	return cs, nil
}

// diffEmbedded computes the in-place changes of an embedded object.
// tracked is false when the object has no snapshot to compare with.
func (u *UnitOfWork) diffEmbedded(ctx context.Context, obj any) (*ChangeSet, bool, error) {
	e, ok := u.entries[obj]
	if !ok || !e.embedded || e.original == nil {
		return nil, false, nil
	}
	cs, err := u.diff(ctx, obj, e.meta, e.original)
	return cs, true, err
}

func (u *UnitOfWork) diffCollection(ctx context.Context, f *mapping.FieldMapping, fv reflect.Value, old any, had bool) (*CollectionChange, error) {
	coll := fv.Addr().Interface().(document.PersistentCollection)
	switch {
	case had && old != coll.Identity(), coll.IsReplaced():
		return &CollectionChange{Field: f, Inserted: coll.Elements(), Replaced: true}, nil
	case !had:
		if len(coll.Elements()) == 0 && !coll.IsDirty() {
			return nil, nil
		}
		if err := coll.Initialize(ctx); err != nil {
			return nil, err
		}
		return &CollectionChange{Field: f, Inserted: coll.Elements(), Replaced: true}, nil
	}

	if !coll.IsInitialized() {
		if !coll.IsDirty() {
			return nil, nil
		}
		if err := coll.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	cc := &CollectionChange{Field: f, Inserted: coll.InsertDiff(), Deleted: coll.DeleteDiff()}
	if f.Type == mapping.FieldEmbedMany {
		for _, el := range coll.Elements() {
			sub, tracked, err := u.diffEmbedded(ctx, el)
			if err != nil {
				return nil, err
			}
			if tracked && !sub.IsEmpty() {
				cc.Replaced = true
				break
			}
		}
		if len(cc.Deleted) > 0 {
			cc.Replaced = true
		}
	}
	if !cc.Replaced && len(cc.Inserted) == 0 && len(cc.Deleted) == 0 {
		return nil, nil
	}
	return cc, nil
}

// insertChangeSet describes a new document as changes from nothing
func (u *UnitOfWork) insertChangeSet(obj any, meta *mapping.ClassMetadata) (*ChangeSet, error) {
	cs := newChangeSet(obj, meta)
	cs.Insert = true
	for _, f := range meta.Fields {
		if !f.IsOwningSide() {
			continue
		}
		fv, err := meta.FieldValue(obj, f)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case mapping.FieldScalar:
			if fv.IsZero() {
				continue
			}
			v, err := u.hydrator.ExtractField(obj, meta, f)
			if err != nil {
				return nil, err
			}
			cs.Fields[f.Name] = &FieldChange{Field: f, New: v}
		case mapping.FieldEmbedOne:
			if !fv.IsNil() {
				cs.Fields[f.Name] = &FieldChange{Field: f, New: fv.Interface()}
			}
		case mapping.FieldReferenceOne:
			if t := fv.Addr().Interface().(document.Reference).Target(); t != nil {
				cs.Fields[f.Name] = &FieldChange{Field: f, New: t}
			}
		default:
			coll := fv.Addr().Interface().(document.PersistentCollection)
			if len(coll.Elements()) > 0 {
				cs.Collections[f.Name] = &CollectionChange{Field: f, Inserted: coll.Elements(), Replaced: true}
			}
		}
	}
	return cs, nil
}
