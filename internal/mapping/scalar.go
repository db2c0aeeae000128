package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Type converts scalar values between their stored and Go representations
type Type interface {
	// Name returns the name used in `type=` tag options
	Name() string
	// ToGo converts a raw stored value to a value convertible to target
	ToGo(raw any, target reflect.Type) (any, error)
	// ToStorage converts a Go value to its stored representation
	ToStorage(v any) (any, error)
}

var (
	timeType = reflect.TypeOf(time.Time{})
	uuidType = reflect.TypeOf(uuid.UUID{})
)

func defaultTypes() map[string]Type {
	types := []Type{
		stringType{}, intType{}, floatType{}, boolType{},
		dateType{}, uuidScalar{}, idType{}, hashType{}, collectionType{}, rawType{},
	}
	m := make(map[string]Type, len(types))
	for _, t := range types {
		m[t.Name()] = t
	}
	return m
}

// inferTypeName picks the scalar type for a Go type
func inferTypeName(t reflect.Type) (string, bool) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch {
	case t == timeType:
		return "date", true
	case t == uuidType:
		return "uuid", true
	}
	switch t.Kind() {
	case reflect.String:
		return "string", true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int", true
	case reflect.Float32, reflect.Float64:
		return "float", true
	case reflect.Bool:
		return "bool", true
	case reflect.Map:
		if t.Key().Kind() == reflect.String {
			return "hash", true
		}
	case reflect.Slice:
		return "collection", true
	case reflect.Interface:
		if t.NumMethod() == 0 {
			return "raw", true
		}
	}
	return "", false
}

type stringType struct{}

func (stringType) Name() string { return "string" }

func (stringType) ToGo(raw any, _ reflect.Type) (any, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case bool, int, int32, int64, float64, json.Number:
		return fmt.Sprint(v), nil
	}
	return nil, fmt.Errorf("cannot convert %T to string", raw)
}

func (stringType) ToStorage(v any) (any, error) {
	return reflectBase(v), nil
}

type intType struct{}

func (intType) Name() string { return "int" }

func (intType) ToGo(raw any, _ reflect.Type) (any, error) {
	return toInt64(raw)
}

func (intType) ToStorage(v any) (any, error) {
	return toInt64(v)
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("cannot convert non-integral %v to int", f)
		}
		return int64(f), nil
	}
	return 0, fmt.Errorf("cannot convert %T to int", raw)
}

type floatType struct{}

func (floatType) Name() string { return "float" }

func (floatType) ToGo(raw any, _ reflect.Type) (any, error) {
	return toFloat64(raw)
}

func (floatType) ToStorage(v any) (any, error) {
	return toFloat64(v)
}

func toFloat64(raw any) (float64, error) {
	switch v := raw.(type) {
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, fmt.Errorf("cannot convert %T to float", raw)
}

type boolType struct{}

func (boolType) Name() string { return "bool" }

func (boolType) ToGo(raw any, _ reflect.Type) (any, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(v)
	}
	if n, err := toInt64(raw); err == nil {
		return n != 0, nil
	}
	return nil, fmt.Errorf("cannot convert %T to bool", raw)
}

func (boolType) ToStorage(v any) (any, error) {
	return reflectBase(v), nil
}

type dateType struct{}

func (dateType) Name() string { return "date" }

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func (dateType) ToGo(raw any, _ reflect.Type) (any, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case *time.Time:
		if v == nil {
			return time.Time{}, nil
		}
		return *v, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("cannot parse date %q", v)
	case map[string]any:
		if d, ok := v["$date"]; ok {
			return dateType{}.ToGo(d, nil)
		}
	}
	if secs, err := toFloat64(raw); err == nil {
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to date", raw)
}

func (dateType) ToStorage(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC(), nil
	}
	return nil, fmt.Errorf("cannot store %T as date", v)
}

type uuidScalar struct{}

func (uuidScalar) Name() string { return "uuid" }

func (uuidScalar) ToGo(raw any, _ reflect.Type) (any, error) {
	switch v := raw.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	case []byte:
		return uuid.FromBytes(v)
	}
	return nil, fmt.Errorf("cannot convert %T to uuid", raw)
}

func (uuidScalar) ToStorage(v any) (any, error) {
	if u, ok := v.(uuid.UUID); ok {
		return u.String(), nil
	}
	return nil, fmt.Errorf("cannot store %T as uuid", v)
}

// idType converts identifiers according to the Go type of the id field
type idType struct{}

func (idType) Name() string { return "id" }

func (idType) ToGo(raw any, target reflect.Type) (any, error) {
	if target == nil {
		return raw, nil
	}
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	switch {
	case target == uuidType:
		return uuidScalar{}.ToGo(raw, target)
	case target.Kind() == reflect.String:
		return stringType{}.ToGo(raw, target)
	case target.Kind() >= reflect.Int && target.Kind() <= reflect.Uint64:
		return toInt64(raw)
	}
	return raw, nil
}

func (idType) ToStorage(v any) (any, error) {
	if u, ok := v.(uuid.UUID); ok {
		return u.String(), nil
	}
	return reflectBase(v), nil
}

type hashType struct{}

func (hashType) Name() string { return "hash" }

func (hashType) ToGo(raw any, _ reflect.Type) (any, error) {
	if m, ok := raw.(map[string]any); ok {
		return copyMap(m), nil
	}
	return nil, fmt.Errorf("cannot convert %T to hash", raw)
}

func (hashType) ToStorage(v any) (any, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map {
		return nil, fmt.Errorf("cannot store %T as hash", v)
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
	}
	return out, nil
}

type collectionType struct{}

func (collectionType) Name() string { return "collection" }

func (collectionType) ToGo(raw any, _ reflect.Type) (any, error) {
	if s, ok := raw.([]any); ok {
		return append([]any(nil), s...), nil
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot convert %T to collection", raw)
}

func (collectionType) ToStorage(v any) (any, error) {
	return collectionType{}.ToGo(v, nil)
}

type rawType struct{}

func (rawType) Name() string { return "raw" }

func (rawType) ToGo(raw any, _ reflect.Type) (any, error) { return raw, nil }

func (rawType) ToStorage(v any) (any, error) { return v, nil }

// reflectBase strips named types down to their builtin kind so stored
// values compare equal to decoded ones.
func reflectBase(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return v
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Coerce converts a value returned by Type.ToGo into a reflect.Value of
// type target, allocating pointers where needed. A nil raw yields the
// zero value.
func Coerce(v any, target reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(target), nil
	}
	if target.Kind() == reflect.Ptr {
		inner, err := Coerce(v, target.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(target.Elem())
		p.Elem().Set(inner)
		return p, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(target) {
		return rv, nil
	}
	switch target.Kind() {
	case reflect.Slice:
		if rv.Kind() != reflect.Slice {
			break
		}
		out := reflect.MakeSlice(target, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			el, err := Coerce(rv.Index(i).Interface(), target.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(el)
		}
		return out, nil
	case reflect.Map:
		if rv.Kind() != reflect.Map {
			break
		}
		out := reflect.MakeMapWithSize(target, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			el, err := Coerce(iter.Value().Interface(), target.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %v: %w", iter.Key(), err)
			}
			out.SetMapIndex(iter.Key().Convert(target.Key()), el)
		}
		return out, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(n).Convert(target), nil
	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(f).Convert(target), nil
	}
	if rv.Type().ConvertibleTo(target) && rv.Kind() == target.Kind() {
		return rv.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %T to %s", v, target)
}
