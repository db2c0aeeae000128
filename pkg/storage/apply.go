package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conduit-lang/odm/pkg/document"
)

// Apply modifies doc in place according to u
func Apply(doc document.Raw, u Update) error {
	for path, v := range u.Set {
		if path == document.KeyID {
			continue
		}
		if err := setPath(doc, path, CloneValue(v)); err != nil {
			return err
		}
	}
	for _, path := range u.Unset {
		unsetPath(doc, path)
	}
	for path, items := range u.Pull {
		arr, err := arrayAt(doc, path)
		if err != nil {
			return err
		}
		kept := arr[:0:0]
		for _, el := range arr {
			if !containsEqual(items, el) {
				kept = append(kept, el)
			}
		}
		if err := setPath(doc, path, kept); err != nil {
			return err
		}
	}
	for path, items := range u.Push {
		arr, err := arrayAt(doc, path)
		if err != nil {
			return err
		}
		for _, el := range items {
			arr = append(arr, CloneValue(el))
		}
		if err := setPath(doc, path, arr); err != nil {
			return err
		}
	}
	for path, items := range u.AddToSet {
		arr, err := arrayAt(doc, path)
		if err != nil {
			return err
		}
		for _, el := range items {
			if !containsEqual(arr, el) {
				arr = append(arr, CloneValue(el))
			}
		}
		if err := setPath(doc, path, arr); err != nil {
			return err
		}
	}
	return nil
}

func containsEqual(items []any, v any) bool {
	for _, it := range items {
		if Equal(it, v) {
			return true
		}
	}
	return false
}

func arrayAt(doc document.Raw, path string) ([]any, error) {
	vals, found := lookup(doc, strings.Split(path, "."))
	if !found || len(vals) == 0 || vals[0] == nil {
		return nil, nil
	}
	arr, ok := vals[0].([]any)
	if !ok {
		return nil, fmt.Errorf("field %q is not an array", path)
	}
	return append([]any(nil), arr...), nil
}

// setPath assigns a dotted path, creating intermediate sub-documents.
// Numeric segments index into arrays.
func setPath(doc document.Raw, path string, v any) error {
	parts := strings.Split(path, ".")
	var node any = map[string]any(doc)
	for i, part := range parts {
		last := i == len(parts)-1
		switch n := node.(type) {
		case map[string]any:
			if last {
				n[part] = v
				return nil
			}
			child, ok := n[part]
			if !ok || child == nil {
				child = make(map[string]any)
				n[part] = child
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(n) {
				return fmt.Errorf("cannot set %q: invalid array index %q", path, part)
			}
			if last {
				n[idx] = v
				return nil
			}
			node = n[idx]
		default:
			return fmt.Errorf("cannot set %q: %q is not a sub-document", path, strings.Join(parts[:i], "."))
		}
	}
	return nil
}

func unsetPath(doc document.Raw, path string) {
	parts := strings.Split(path, ".")
	var node any = map[string]any(doc)
	for i, part := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return
		}
		if i == len(parts)-1 {
			delete(m, part)
			return
		}
		node = m[part]
	}
}
