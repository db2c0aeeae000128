package hydrator

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// ErrHydration matches every *Error with errors.Is
var ErrHydration = errors.New("hydration error")

// Error reports a raw document whose shape does not match the mapping
type Error struct {
	Type    string
	Field   string
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hydration error: %s: %v", e.Message, e.Err)
	}
	return "hydration error: " + e.Message
}

// Unwrap returns the underlying conversion error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrHydration) match
func (e *Error) Is(target error) bool {
	return target == ErrHydration
}

// IsHydrationError returns true if err is a hydration error
func IsHydrationError(err error) bool {
	return errors.Is(err, ErrHydration)
}

func associationError(typ, field, expected string, raw any) *Error {
	return &Error{
		Type:  typ,
		Field: field,
		Message: fmt.Sprintf("expected association for field %q in document of type %q to be of type %q, %q received",
			field, typ, expected, kindOf(raw)),
	}
}

func itemError(typ, field string, key int, expected string, raw any) *Error {
	return &Error{
		Type:  typ,
		Field: field,
		Message: fmt.Sprintf("expected association item with key \"%d\" for field %q in document of type %q to be of type %q, %q received",
			key, field, typ, expected, kindOf(raw)),
	}
}

func fieldError(typ, field string, err error) *Error {
	return &Error{
		Type:    typ,
		Field:   field,
		Message: fmt.Sprintf("cannot hydrate field %q in document of type %q", field, typ),
		Err:     err,
	}
}

// kindOf names the shape of a raw value
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case time.Time:
		return "date"
	case map[string]any:
		return "object"
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}
