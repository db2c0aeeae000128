package storage

import (
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/conduit-lang/odm/pkg/document"
)

// Filter selects documents. Keys are storage keys or dotted paths; a value
// is either matched for equality or is an operator document using $eq,
// $ne, $in, $nin, $exists, $gt, $gte, $lt or $lte. A path crossing an
// array matches when any element matches.
type Filter map[string]any

// ByID returns a filter matching one identifier
func ByID(id any) Filter {
	return Filter{document.KeyID: id}
}

// Match reports whether doc satisfies every condition of f
func Match(doc document.Raw, f Filter) bool {
	for path, cond := range f {
		values, found := lookup(doc, strings.Split(path, "."))
		if !matchCondition(values, found, cond) {
			return false
		}
	}
	return true
}

// lookup resolves a path, fanning out over arrays
func lookup(v any, path []string) ([]any, bool) {
	if len(path) == 0 {
		return []any{v}, true
	}
	switch node := v.(type) {
	case map[string]any:
		child, ok := node[path[0]]
		if !ok {
			return nil, false
		}
		return lookup(child, path[1:])
	case []any:
		var out []any
		found := false
		for _, el := range node {
			if vals, ok := lookup(el, path); ok {
				out = append(out, vals...)
				found = true
			}
		}
		return out, found
	}
	return nil, false
}

func matchCondition(values []any, found bool, cond any) bool {
	ops, isOps := operators(cond)
	if !isOps {
		return found && anyEqual(values, cond)
	}
	for op, arg := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = found && anyEqual(values, arg)
		case "$ne":
			ok = !found || !anyEqual(values, arg)
		case "$in":
			ok = found && anyIn(values, arg)
		case "$nin":
			ok = !found || !anyIn(values, arg)
		case "$exists":
			want, _ := arg.(bool)
			ok = found == want
		case "$gt", "$gte", "$lt", "$lte":
			ok = found && anyCompare(values, arg, op)
		}
		if !ok {
			return false
		}
	}
	return true
}

func operators(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") || k == document.RefID || k == document.RefCollection {
			return nil, false
		}
	}
	return m, true
}

func anyEqual(values []any, want any) bool {
	for _, v := range values {
		if Equal(v, want) {
			return true
		}
		if arr, ok := v.([]any); ok {
			for _, el := range arr {
				if Equal(el, want) {
					return true
				}
			}
		}
	}
	return false
}

func anyIn(values []any, list any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if anyEqual(values, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func anyCompare(values []any, arg any, op string) bool {
	for _, v := range values {
		c, ok := compare(v, arg)
		if !ok {
			continue
		}
		switch op {
		case "$gt":
			if c > 0 {
				return true
			}
		case "$gte":
			if c >= 0 {
				return true
			}
		case "$lt":
			if c < 0 {
				return true
			}
		case "$lte":
			if c <= 0 {
				return true
			}
		}
	}
	return false
}

// Equal compares raw values, treating numbers of different Go types and
// dates in time or RFC3339 form as equal when they denote the same value
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ta, ok := toTime(a); ok {
		if tb, ok := toTime(b); ok {
			return ta.Equal(tb)
		}
	}
	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		return ok && va == vb
	case map[string]any:
		vb, ok := b.(map[string]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, x := range va {
			y, ok := vb[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []any:
		vb, ok := b.([]any)
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !Equal(va[i], vb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two raw values of the same class. ok is false when the
// values cannot be ordered against each other.
func compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	if ta, ok := toTime(a); ok {
		tb, ok := toTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		return f, !math.IsNaN(f)
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}
