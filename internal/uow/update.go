package uow

import (
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/storage"
)

func setKey(u *storage.Update, key string, v any) {
	if u.Set == nil {
		u.Set = make(map[string]any)
	}
	u.Set[key] = v
}

func clearKey(u *storage.Update, f *mapping.FieldMapping, key string) {
	if f.Nullable {
		setKey(u, key, nil)
		return
	}
	u.Unset = append(u.Unset, key)
}

func appendKey(m *map[string][]any, key string, values []any) {
	if len(values) == 0 {
		return
	}
	if *m == nil {
		*m = make(map[string][]any)
	}
	(*m)[key] = append((*m)[key], values...)
}

// buildUpdate translates a change set into storage operations. Changes
// inside embedded objects modified in place are written under dotted keys.
func (u *UnitOfWork) buildUpdate(cs *ChangeSet, prefix string, upd *storage.Update) error {
	for _, f := range cs.Meta.Fields {
		key := prefix + f.Key

		if fc, ok := cs.Fields[f.Name]; ok {
			if err := u.buildFieldUpdate(fc, key, upd); err != nil {
				return err
			}
			continue
		}
		cc, ok := cs.Collections[f.Name]
		if !ok {
			continue
		}

		if cc.Replaced || f.Strategy == mapping.StrategySet ||
			(f.Type == mapping.FieldEmbedMany && len(cc.Deleted) > 0) {
			v, err := u.hydrator.ExtractField(cs.Document, cs.Meta, f)
			if err != nil {
				return err
			}
			setKey(upd, key, v)
			continue
		}

		if f.Type == mapping.FieldReferenceMany && len(cc.Deleted) > 0 {
			pulled, err := u.extractElements(f, cc.Deleted)
			if err != nil {
				return err
			}
			appendKey(&upd.Pull, key, pulled)
		}
		pushed, err := u.extractElements(f, cc.Inserted)
		if err != nil {
			return err
		}
		if f.Strategy == mapping.StrategyAddToSet {
			appendKey(&upd.AddToSet, key, pushed)
		} else {
			appendKey(&upd.Push, key, pushed)
		}
	}
	return nil
}

func (u *UnitOfWork) buildFieldUpdate(fc *FieldChange, key string, upd *storage.Update) error {
	f := fc.Field
	if fc.New == nil {
		clearKey(upd, f, key)
		return nil
	}
	switch f.Type {
	case mapping.FieldScalar:
		setKey(upd, key, fc.New)
	case mapping.FieldEmbedOne:
		if fc.Embedded != nil {
			return u.buildUpdate(fc.Embedded, key+".", upd)
		}
		v, err := u.hydrator.ExtractElement(f, fc.New)
		if err != nil {
			return err
		}
		setKey(upd, key, v)
	case mapping.FieldReferenceOne:
		v, err := u.hydrator.Descriptor(f, fc.New, nil)
		if err != nil {
			return err
		}
		setKey(upd, key, v)
	}
	return nil
}

func (u *UnitOfWork) extractElements(f *mapping.FieldMapping, items []any) ([]any, error) {
	out := make([]any, 0, len(items))
	for _, el := range items {
		v, err := u.hydrator.ExtractElement(f, el)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
