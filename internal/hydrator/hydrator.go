// Package hydrator converts raw stored documents into object graphs and
// back. References become lazy placeholders obtained from the session and
// to-many associations become bound, uninitialized collections.
package hydrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
)

// Session is the unit of work as seen by the hydrator
type Session interface {
	document.Loader

	// GetReference returns the managed instance for (meta, id), or a new
	// placeholder registered in the identity map
	GetReference(meta *mapping.ClassMetadata, id any) (any, error)

	// RegisterEmbedded tracks an embedded object stored in owner's field
	RegisterEmbedded(obj any, meta *mapping.ClassMetadata, owner any, field string)

	// SetOriginalData refreshes the change-tracking snapshot of the
	// hydrated fields of obj
	SetOriginalData(obj any, meta *mapping.ClassMetadata, data map[string]any)

	// LoadInverse loads the documents referencing owner through the
	// owning side of the inverse field f
	LoadInverse(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) ([]any, error)

	// CountInverse counts the documents LoadInverse would return
	CountInverse(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) (int, error)
}

// Option configures a single Hydrate call
type Option func(*options)

type options struct {
	readOnly bool
	refresh  bool
}

// ReadOnly hydrates a detached snapshot: neither the object nor its
// embedded objects are registered for change tracking
func ReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// Refresh reuses embedded instances of the same type instead of replacing them
func Refresh() Option {
	return func(o *options) { o.refresh = true }
}

// Factory hydrates documents of any mapped type
type Factory struct {
	catalog *mapping.Catalog
	session Session
}

// NewFactory creates a hydrator bound to a session
func NewFactory(catalog *mapping.Catalog, session Session) *Factory {
	return &Factory{catalog: catalog, session: session}
}

// Catalog returns the metadata catalog used by the factory
func (h *Factory) Catalog() *mapping.Catalog {
	return h.catalog
}

// Hydrate assigns the fields present in raw to obj and returns the
// hydrated values keyed by Go field name. Fields processed before an
// error keep their new values.
func (h *Factory) Hydrate(ctx context.Context, obj any, raw document.Raw, opts ...Option) (map[string]any, error) {
	meta, err := h.catalog.GetMetadataFor(obj)
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return h.hydrate(ctx, obj, meta, raw, o)
}

func (h *Factory) hydrate(ctx context.Context, obj any, meta *mapping.ClassMetadata, raw document.Raw, o options) (map[string]any, error) {
	if reflect.TypeOf(obj) != reflect.PointerTo(meta.GoType) {
		return nil, fmt.Errorf("cannot hydrate %T as %s", obj, meta.Name)
	}
	rv := reflect.ValueOf(obj).Elem()
	data := make(map[string]any, len(raw))

	for _, f := range meta.Fields {
		fv := rv.FieldByIndex(f.Index)

		if !f.IsOwningSide() {
			if err := h.bindInverse(ctx, obj, meta, f, fv, o); err != nil {
				return data, err
			}
			continue
		}

		value, present := raw[f.Key]
		if !present {
			if f.Type.IsMany() {
				coll := fv.Addr().Interface().(document.PersistentCollection)
				if !coll.IsBound() {
					coll.Bind(document.Binding{Owner: obj, Field: f.Name})
				}
			}
			continue
		}

		var err error
		switch f.Type {
		case mapping.FieldScalar:
			err = hydrateScalar(meta, f, fv, value)
		case mapping.FieldEmbedOne:
			err = h.hydrateEmbedOne(ctx, obj, meta, f, fv, value, o)
		case mapping.FieldEmbedMany:
			err = h.hydrateEmbedMany(obj, meta, f, fv, value, o)
		case mapping.FieldReferenceOne:
			err = h.hydrateReferenceOne(meta, f, fv, value)
		case mapping.FieldReferenceMany:
			err = h.hydrateReferenceMany(obj, meta, f, fv, value)
		}
		if err != nil {
			return data, err
		}
		data[f.Name] = fv.Interface()
	}

	if !o.readOnly {
		h.session.SetOriginalData(obj, meta, data)
	}
	return data, nil
}

func hydrateScalar(meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, value any) error {
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	converted, err := f.Scalar.ToGo(value, f.GoType)
	if err != nil {
		return fieldError(meta.Name, f.Key, err)
	}
	v, err := mapping.Coerce(converted, f.GoType)
	if err != nil {
		return fieldError(meta.Name, f.Key, err)
	}
	fv.Set(v)
	return nil
}

func (h *Factory) embeddedTarget(f *mapping.FieldMapping, m map[string]any) (*mapping.ClassMetadata, error) {
	if f.Hierarchy != nil {
		return h.catalog.ResolveVariant(f.Hierarchy, m[f.Hierarchy.Field])
	}
	return h.catalog.TargetMetadata(f)
}

func (h *Factory) hydrateEmbedOne(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, value any, o options) error {
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	m, ok := value.(map[string]any)
	if !ok {
		return associationError(meta.Name, f.Key, "object", value)
	}
	target, err := h.embeddedTarget(f, m)
	if err != nil {
		return err
	}

	var emb any
	if o.refresh && !fv.IsNil() && reflect.TypeOf(fv.Interface()) == reflect.PointerTo(target.GoType) {
		emb = fv.Interface()
	} else {
		emb = target.NewInstance()
	}
	if !o.readOnly {
		h.session.RegisterEmbedded(emb, target, owner, f.Name)
	}
	if _, err := h.hydrate(ctx, emb, target, m, o); err != nil {
		return err
	}
	fv.Set(reflect.ValueOf(emb))
	return nil
}

func (h *Factory) hydrateEmbedMany(owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, value any, o options) error {
	items, ok := asSlice(value)
	if !ok {
		return associationError(meta.Name, f.Key, "array", value)
	}

	b := document.Binding{
		Owner: owner,
		Field: f.Name,
		Raw:   items,
		Initializer: func(ctx context.Context) ([]any, error) {
			out := make([]any, 0, len(items))
			for i, item := range items {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, itemError(meta.Name, f.Key, i, "object", item)
				}
				target, err := h.embeddedTarget(f, m)
				if err != nil {
					return nil, err
				}
				el := target.NewInstance()
				if !o.readOnly {
					h.session.RegisterEmbedded(el, target, owner, f.Name)
				}
				if _, err := h.hydrate(ctx, el, target, m, o); err != nil {
					return nil, err
				}
				out = append(out, el)
			}
			return out, nil
		},
	}
	if f.ExtraLazy {
		b.Counter = func(context.Context) (int, error) { return len(items), nil }
	}
	fv.Addr().Interface().(document.PersistentCollection).Bind(b)
	return nil
}

var errShape = errors.New("value is not a reference")

// resolveReference decodes a stored reference into its target metadata and
// normalized identifier
func (h *Factory) resolveReference(f *mapping.FieldMapping, value any) (*mapping.ClassMetadata, any, error) {
	var rawID, discriminator any
	switch v := value.(type) {
	case map[string]any:
		rawID = v[document.RefID]
		if f.Hierarchy != nil {
			discriminator = v[f.Hierarchy.Field]
		}
	default:
		if f.StoreAs != mapping.StoreAsID {
			return nil, nil, errShape
		}
		if _, isSlice := asSlice(v); isSlice {
			return nil, nil, errShape
		}
		rawID = v
	}
	if rawID == nil {
		return nil, nil, errShape
	}

	var target *mapping.ClassMetadata
	var err error
	if f.Hierarchy != nil {
		target, err = h.catalog.ResolveVariant(f.Hierarchy, discriminator)
	} else {
		target, err = h.catalog.TargetMetadata(f)
	}
	if err != nil {
		return nil, nil, err
	}

	id, err := target.NormalizeID(rawID)
	if err != nil {
		return nil, nil, err
	}
	return target, id, nil
}

func referenceShape(f *mapping.FieldMapping) string {
	if f.StoreAs == mapping.StoreAsID {
		return "scalar"
	}
	return "object"
}

func (h *Factory) hydrateReferenceOne(meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, value any) error {
	ref := fv.Addr().Interface().(document.Reference)
	if value == nil {
		ref.Bind(nil, nil, nil)
		return nil
	}
	target, id, err := h.resolveReference(f, value)
	if errors.Is(err, errShape) {
		return associationError(meta.Name, f.Key, referenceShape(f), value)
	}
	if err != nil {
		return fieldError(meta.Name, f.Key, err)
	}
	placeholder, err := h.session.GetReference(target, id)
	if err != nil {
		return fieldError(meta.Name, f.Key, err)
	}
	ref.Bind(placeholder, id, h.session)
	return nil
}

func (h *Factory) hydrateReferenceMany(owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, value any) error {
	items, ok := asSlice(value)
	if !ok {
		return associationError(meta.Name, f.Key, "array", value)
	}

	b := document.Binding{
		Owner: owner,
		Field: f.Name,
		Raw:   items,
		Initializer: func(context.Context) ([]any, error) {
			out := make([]any, 0, len(items))
			for i, item := range items {
				target, id, err := h.resolveReference(f, item)
				if errors.Is(err, errShape) {
					return nil, itemError(meta.Name, f.Key, i, referenceShape(f), item)
				}
				if err != nil {
					return nil, fieldError(meta.Name, f.Key, err)
				}
				placeholder, err := h.session.GetReference(target, id)
				if err != nil {
					return nil, fieldError(meta.Name, f.Key, err)
				}
				out = append(out, placeholder)
			}
			return out, nil
		},
	}
	if f.ExtraLazy {
		b.Counter = func(context.Context) (int, error) { return len(items), nil }
	}
	fv.Addr().Interface().(document.PersistentCollection).Bind(b)
	return nil
}

// bindInverse attaches inverse-side associations, which are not stored on
// the owner. Collections load on first access; single references load now.
func (h *Factory) bindInverse(ctx context.Context, owner any, meta *mapping.ClassMetadata, f *mapping.FieldMapping, fv reflect.Value, o options) error {
	switch f.Type {
	case mapping.FieldReferenceMany:
		coll := fv.Addr().Interface().(document.PersistentCollection)
		if coll.IsBound() && !o.refresh {
			return nil
		}
		b := document.Binding{
			Owner: owner,
			Field: f.Name,
			Initializer: func(ctx context.Context) ([]any, error) {
				return h.session.LoadInverse(ctx, owner, meta, f)
			},
		}
		if f.ExtraLazy {
			b.Counter = func(ctx context.Context) (int, error) {
				return h.session.CountInverse(ctx, owner, meta, f)
			}
		}
		coll.Bind(b)

	case mapping.FieldReferenceOne:
		ref := fv.Addr().Interface().(document.Reference)
		docs, err := h.session.LoadInverse(ctx, owner, meta, f)
		if err != nil {
			return fieldError(meta.Name, f.Key, err)
		}
		if len(docs) == 0 {
			ref.Bind(nil, nil, nil)
			return nil
		}
		target, err := h.catalog.GetMetadataFor(docs[0])
		if err != nil {
			return err
		}
		ref.Bind(docs[0], target.GetID(docs[0]), h.session)
	}
	return nil
}

// asSlice converts a raw sequence to []any. A nil value is an empty sequence.
func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case nil:
		return nil, true
	case []any:
		return s, true
	case []map[string]any:
		out := make([]any, len(s))
		for i, m := range s {
			out[i] = m
		}
		return out, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
