// Package document provides the types application structs use to declare
// mapped documents: the Document marker, lazily resolved references (Ref)
// and persistent, lazily initialized to-many associations (Collection).
package document

import (
	"context"
	"reflect"
)

// Raw is a schemaless document as exchanged with a storage driver.
type Raw = map[string]any

// Keys of a stored reference descriptor.
const (
	// KeyID is the storage key of a document identifier
	KeyID = "_id"
	// RefID holds the referenced identifier
	RefID = "$id"
	// RefCollection holds the referenced collection name
	RefCollection = "$ref"
)

// Document marks a struct as a top-level mapped document. The tag on the
// marker field declares collection-level mapping, for example:
//
//	type User struct {
//		document.Document `odm:"collection=users"`
//		ID   string `odm:"_id,id"`
//		Name string `odm:"name"`
//	}
type Document struct{}

// Loader initializes placeholder documents on first access.
type Loader interface {
	IsInitialized(obj any) bool
	Initialize(ctx context.Context, obj any) error
}

// Reference is the untyped view of a Ref used by the mapping runtime.
type Reference interface {
	Target() any
	TargetID() any
	Bind(target any, id any, loader Loader)
	ElemType() reflect.Type
}

// isNil reports whether v is nil or a typed nil pointer/interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
