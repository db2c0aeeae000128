package storage

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/conduit-lang/odm/pkg/document"
)

// Select filters, sorts, paginates and projects docs. The returned
// documents are copies.
func Select(docs []document.Raw, f Filter, opts FindOptions) []document.Raw {
	matched := make([]document.Raw, 0, len(docs))
	for _, doc := range docs {
		if Match(doc, f) {
			matched = append(matched, doc)
		}
	}
	SortDocuments(matched, opts.Sort)
	matched = Paginate(matched, opts.Skip, opts.Limit)

	out := make([]document.Raw, len(matched))
	for i, doc := range matched {
		out[i] = Project(doc, opts.Projection)
	}
	return out
}

// Project copies the projected keys of doc. An empty projection copies
// the whole document.
func Project(doc document.Raw, keys []string) document.Raw {
	if len(keys) == 0 {
		return CloneRaw(doc)
	}
	out := document.Raw{}
	if id, ok := doc[document.KeyID]; ok {
		out[document.KeyID] = CloneValue(id)
	}
	for _, key := range keys {
		vals, found := lookup(doc, strings.Split(key, "."))
		if !found || len(vals) == 0 {
			continue
		}
		_ = setPath(out, key, CloneValue(vals[0]))
	}
	return out
}

// SortDocuments sorts docs in place. Missing values sort first.
func SortDocuments(docs []document.Raw, fields []SortField) {
	if len(fields) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range fields {
			c := compareForSort(docs[i], docs[j], f.Key)
			if c == 0 {
				continue
			}
			if f.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func compareForSort(a, b document.Raw, key string) int {
	va, okA := lookup(a, strings.Split(key, "."))
	vb, okB := lookup(b, strings.Split(key, "."))
	switch {
	case !okA && !okB:
		return 0
	case !okA:
		return -1
	case !okB:
		return 1
	}
	x, y := first(va), first(vb)
	if x == nil || y == nil {
		switch {
		case x == nil && y == nil:
			return 0
		case x == nil:
			return -1
		}
		return 1
	}
	if c, ok := compare(x, y); ok {
		return c
	}
	return strings.Compare(fmt.Sprint(x), fmt.Sprint(y))
}

func first(vals []any) any {
	if len(vals) == 0 {
		return nil
	}
	return vals[0]
}

// Paginate applies skip and limit. A zero limit returns everything.
func Paginate(docs []document.Raw, skip, limit int) []document.Raw {
	if skip > 0 {
		if skip >= len(docs) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// ParseSort converts "key" and "-key" expressions to sort fields
func ParseSort(exprs ...string) []SortField {
	var fields []SortField
	for _, expr := range exprs {
		for _, part := range strings.Split(expr, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if strings.HasPrefix(part, "-") {
				fields = append(fields, SortField{Key: part[1:], Desc: true})
				continue
			}
			fields = append(fields, SortField{Key: strings.TrimPrefix(part, "+")})
		}
	}
	return fields
}

// CloneRaw deep-copies a raw document
func CloneRaw(doc document.Raw) document.Raw {
	if doc == nil {
		return nil
	}
	out := make(document.Raw, len(doc))
	for k, v := range doc {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies nested maps and slices of a raw value
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneRaw(val)
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = CloneValue(el)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = CloneRaw(el)
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = CloneValue(rv.Index(i).Interface())
		}
		return out
	}
	return v
}

// NormalizeID returns a map key for an identifier. Numbers of any Go type map to
// the same key so identifiers survive JSON round trips.
func NormalizeID(id any) string {
	if f, ok := toFloat(id); ok {
		return "n:" + strconv.FormatFloat(f, 'f', -1, 64)
	}
	if s, ok := id.(string); ok {
		return "s:" + s
	}
	return fmt.Sprintf("%T:%v", id, id)
}
