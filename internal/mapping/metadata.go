package mapping

import (
	"fmt"
	"reflect"
)

// FieldMapping describes one mapped field of a document or embedded type
type FieldMapping struct {
	Name   string // Go field name
	Key    string // storage key
	Index  []int  // reflect index path from the owning struct
	GoType reflect.Type
	Type   FieldType

	// Scalars
	Scalar   Type
	Nullable bool
	IsID     bool

	// Associations
	Cascade    CascadeFlags
	Target     reflect.Type // struct type, or interface type for polymorphic targets
	Hierarchy  *Hierarchy   // set for polymorphic targets
	MappedBy   string
	InversedBy string
	StoreAs    StoreAs
	Strategy   CollectionStrategy
	ExtraLazy  bool

	// Declarer is the name of the class that declared the field
	Declarer string
}

// IsOwningSide reports whether the field is written to storage
func (f *FieldMapping) IsOwningSide() bool {
	return f.MappedBy == ""
}

// IsPolymorphic reports whether the target type is resolved through a discriminator
func (f *FieldMapping) IsPolymorphic() bool {
	return f.Hierarchy != nil
}

// ClassMetadata is the immutable mapping descriptor of one Go struct type
type ClassMetadata struct {
	Name       string
	GoType     reflect.Type // struct type (not a pointer)
	Collection string
	IsEmbedded bool
	IsReadOnly bool

	Identifier string // Go name of the identifier field
	IDStrategy IDStrategy

	Fields []*FieldMapping

	// Polymorphism
	DiscriminatorField string
	DiscriminatorValue string
	// DiscriminatorMap maps discriminator values to variant names, set on
	// interface roots of a hierarchy
	DiscriminatorMap map[string]string
	Parent           string
	IsInterfaceRoot  bool

	byName map[string]*FieldMapping
	byKey  map[string]*FieldMapping
	ready  bool
}

func newClassMetadata(t reflect.Type) *ClassMetadata {
	return &ClassMetadata{
		Name:   t.String(),
		GoType: t,
		byName: make(map[string]*FieldMapping),
		byKey:  make(map[string]*FieldMapping),
	}
}

// RootName is the identity scope of the class: documents stored in the
// same collection share an identifier space.
func (m *ClassMetadata) RootName() string {
	if m.Collection != "" {
		return m.Collection
	}
	return m.Name
}

// Field returns the mapping of a Go field name
func (m *ClassMetadata) Field(name string) (*FieldMapping, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// FieldByKey returns the mapping of a storage key
func (m *ClassMetadata) FieldByKey(key string) (*FieldMapping, bool) {
	f, ok := m.byKey[key]
	return f, ok
}

// HasField returns true if the class maps a field with the given Go name
func (m *ClassMetadata) HasField(name string) bool {
	_, ok := m.byName[name]
	return ok
}

// IdentifierField returns the identifier mapping, or nil for embedded types without one
func (m *ClassMetadata) IdentifierField() *FieldMapping {
	if m.Identifier == "" {
		return nil
	}
	return m.byName[m.Identifier]
}

// Associations returns the non-scalar fields
func (m *ClassMetadata) Associations() []*FieldMapping {
	var out []*FieldMapping
	for _, f := range m.Fields {
		if f.Type != FieldScalar {
			out = append(out, f)
		}
	}
	return out
}

// NewInstance allocates a zero value of the class and returns a pointer to it
func (m *ClassMetadata) NewInstance() any {
	return reflect.New(m.GoType).Interface()
}

// addField registers f, replacing any field mapped on the same key
func (m *ClassMetadata) addField(f *FieldMapping) {
	if prev, ok := m.byKey[f.Key]; ok {
		for i, existing := range m.Fields {
			if existing == prev {
				m.Fields = append(m.Fields[:i], m.Fields[i+1:]...)
				break
			}
		}
		delete(m.byName, prev.Name)
		if m.Identifier == prev.Name {
			m.Identifier = ""
		}
	}
	m.Fields = append(m.Fields, f)
	m.byName[f.Name] = f
	m.byKey[f.Key] = f
	if f.IsID {
		m.Identifier = f.Name
	}
}

// structValue returns the addressable struct behind obj
func (m *ClassMetadata) structValue(obj any) (reflect.Value, error) {
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return reflect.Value{}, fmt.Errorf("expected non-nil pointer to %s, got %T", m.Name, obj)
	}
	rv = rv.Elem()
	if rv.Type() != m.GoType {
		return reflect.Value{}, fmt.Errorf("expected *%s, got %T", m.Name, obj)
	}
	return rv, nil
}

// FieldValue returns the addressable reflect.Value of field f on obj
func (m *ClassMetadata) FieldValue(obj any, f *FieldMapping) (reflect.Value, error) {
	rv, err := m.structValue(obj)
	if err != nil {
		return reflect.Value{}, err
	}
	return rv.FieldByIndex(f.Index), nil
}

// GetValue returns the current value of field f on obj
func (m *ClassMetadata) GetValue(obj any, f *FieldMapping) (any, error) {
	fv, err := m.FieldValue(obj, f)
	if err != nil {
		return nil, err
	}
	return fv.Interface(), nil
}

// GetID returns the identifier of obj, or nil when unset
func (m *ClassMetadata) GetID(obj any) any {
	f := m.IdentifierField()
	if f == nil {
		return nil
	}
	fv, err := m.FieldValue(obj, f)
	if err != nil || fv.IsZero() {
		return nil
	}
	if fv.Kind() == reflect.Ptr {
		return fv.Elem().Interface()
	}
	return fv.Interface()
}

// SetID assigns the identifier of obj, converting id to the field type
func (m *ClassMetadata) SetID(obj any, id any) error {
	f := m.IdentifierField()
	if f == nil {
		return newError(m.Name, "", "class has no identifier")
	}
	fv, err := m.FieldValue(obj, f)
	if err != nil {
		return err
	}
	converted, err := f.Scalar.ToGo(id, f.GoType)
	if err != nil {
		return fmt.Errorf("invalid identifier %v for %s: %w", id, m.Name, err)
	}
	val, err := Coerce(converted, f.GoType)
	if err != nil {
		return fmt.Errorf("invalid identifier %v for %s: %w", id, m.Name, err)
	}
	fv.Set(val)
	return nil
}

// NormalizeID converts a raw identifier to the Go type of the identifier
// field so that it can be used as an identity map key
func (m *ClassMetadata) NormalizeID(id any) (any, error) {
	f := m.IdentifierField()
	if f == nil || id == nil {
		return id, nil
	}
	converted, err := f.Scalar.ToGo(id, f.GoType)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %v for %s: %w", id, m.Name, err)
	}
	target := f.GoType
	if target.Kind() == reflect.Ptr {
		target = target.Elem()
	}
	val, err := Coerce(converted, target)
	if err != nil {
		return nil, fmt.Errorf("invalid identifier %v for %s: %w", id, m.Name, err)
	}
	return val.Interface(), nil
}

// StorageID converts a Go identifier to its stored representation
func (m *ClassMetadata) StorageID(id any) (any, error) {
	f := m.IdentifierField()
	if f == nil {
		return id, nil
	}
	return f.Scalar.ToStorage(id)
}
