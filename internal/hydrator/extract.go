package hydrator

import (
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
)

// Extract serializes obj into its stored form. Inverse-side fields are not
// stored; an unset identifier is omitted.
func (h *Factory) Extract(obj any) (document.Raw, error) {
	meta, err := h.catalog.GetMetadataFor(obj)
	if err != nil {
		return nil, err
	}
	return h.extract(obj, meta)
}

func (h *Factory) extract(obj any, meta *mapping.ClassMetadata) (document.Raw, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Type() != meta.GoType {
		return nil, fmt.Errorf("cannot extract %T as %s", obj, meta.Name)
	}

	raw := make(document.Raw, len(meta.Fields)+1)
	if meta.DiscriminatorField != "" && meta.DiscriminatorValue != "" {
		raw[meta.DiscriminatorField] = meta.DiscriminatorValue
	}
	for _, f := range meta.Fields {
		if !f.IsOwningSide() {
			continue
		}
		if f.IsID && meta.GetID(obj) == nil {
			continue
		}
		v, err := h.extractValue(f, rv.Elem().FieldByIndex(f.Index))
		if err != nil {
			return nil, fmt.Errorf("cannot extract field %q of %s: %w", f.Key, meta.Name, err)
		}
		raw[f.Key] = v
	}
	return raw, nil
}

// ExtractField serializes the current value of a single field of obj
func (h *Factory) ExtractField(obj any, meta *mapping.ClassMetadata, f *mapping.FieldMapping) (any, error) {
	fv, err := meta.FieldValue(obj, f)
	if err != nil {
		return nil, err
	}
	v, err := h.extractValue(f, fv)
	if err != nil {
		return nil, fmt.Errorf("cannot extract field %q of %s: %w", f.Key, meta.Name, err)
	}
	return v, nil
}

// ExtractElement serializes one element of a to-many association
func (h *Factory) ExtractElement(f *mapping.FieldMapping, el any) (any, error) {
	if f.Type == mapping.FieldReferenceMany {
		return h.Descriptor(f, el, nil)
	}
	return h.extractEmbedded(el)
}

func (h *Factory) extractValue(f *mapping.FieldMapping, fv reflect.Value) (any, error) {
	switch f.Type {
	case mapping.FieldScalar:
		return extractScalar(f, fv)

	case mapping.FieldEmbedOne:
		if fv.IsNil() {
			return nil, nil
		}
		return h.extractEmbedded(fv.Interface())

	case mapping.FieldEmbedMany, mapping.FieldReferenceMany:
		coll := fv.Addr().Interface().(document.PersistentCollection)
		if !coll.IsInitialized() {
			return append([]any{}, coll.Raw()...), nil
		}
		out := make([]any, 0, len(coll.Elements()))
		for _, el := range coll.Elements() {
			v, err := h.ExtractElement(f, el)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case mapping.FieldReferenceOne:
		ref := fv.Addr().Interface().(document.Reference)
		if ref.Target() == nil {
			return nil, nil
		}
		return h.Descriptor(f, ref.Target(), ref.TargetID())
	}
	return nil, fmt.Errorf("unknown field type %s", f.Type)
}

func extractScalar(f *mapping.FieldMapping, fv reflect.Value) (any, error) {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		if fv.IsNil() {
			return nil, nil
		}
	}
	if fv.Kind() == reflect.Ptr {
		fv = fv.Elem()
	}
	return f.Scalar.ToStorage(fv.Interface())
}

func (h *Factory) extractEmbedded(obj any) (any, error) {
	meta, err := h.catalog.GetMetadataFor(obj)
	if err != nil {
		return nil, err
	}
	return h.extract(obj, meta)
}

// Descriptor returns the stored form of a reference from field f to
// target. knownID is used while the target has no identifier of its own.
func (h *Factory) Descriptor(f *mapping.FieldMapping, target any, knownID any) (any, error) {
	meta, err := h.catalog.GetMetadataFor(target)
	if err != nil {
		return nil, err
	}
	id := meta.GetID(target)
	if id == nil {
		id = knownID
	}
	if id == nil {
		return nil, fmt.Errorf("referenced %s has no identifier", meta.Name)
	}
	sid, err := meta.StorageID(id)
	if err != nil {
		return nil, err
	}
	if f.StoreAs == mapping.StoreAsID {
		return sid, nil
	}
	d := map[string]any{
		document.RefID:         sid,
		document.RefCollection: meta.Collection,
	}
	if f.Hierarchy != nil {
		d[f.Hierarchy.Field] = meta.DiscriminatorValue
	}
	return d, nil
}
