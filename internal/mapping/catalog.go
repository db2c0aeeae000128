package mapping

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/conduit-lang/odm/pkg/document"
)

var (
	documentMarker  = reflect.TypeOf(document.Document{})
	referenceIface  = reflect.TypeOf((*document.Reference)(nil)).Elem()
	collectionIface = reflect.TypeOf((*document.PersistentCollection)(nil)).Elem()
)

// Option configures a Catalog
type Option func(*Catalog)

// WithType registers a custom scalar type usable with `type=<name>`
func WithType(t Type) Option {
	return func(c *Catalog) {
		c.types[t.Name()] = t
	}
}

// Catalog builds and caches ClassMetadata. Metadata is built lazily on
// first request and never changes afterwards, so one Catalog is shared
// read-only by every session of a process.
type Catalog struct {
	classes     map[reflect.Type]*ClassMetadata
	byName      map[string]*ClassMetadata
	hierarchies map[reflect.Type]*Hierarchy
	types       map[string]Type
	mu          sync.RWMutex
}

// NewCatalog creates a new metadata catalog
func NewCatalog(opts ...Option) *Catalog {
	c := &Catalog{
		classes:     make(map[reflect.Type]*ClassMetadata),
		byName:      make(map[string]*ClassMetadata),
		hierarchies: make(map[reflect.Type]*Hierarchy),
		types:       defaultTypes(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetMetadataFor returns the metadata of v, which may be a reflect.Type, a
// pointer to a mapped struct or a struct value.
func (c *Catalog) GetMetadataFor(v any) (*ClassMetadata, error) {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, newError("<nil>", "", "cannot resolve metadata of a nil type")
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	c.mu.RLock()
	meta, exists := c.classes[t]
	c.mu.RUnlock()
	if exists && meta.ready {
		return meta, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := &builder{catalog: c}
	meta, err := b.build(t)
	if err == nil {
		err = b.validateInverse()
	}
	if err != nil {
		b.rollback()
		return nil, err
	}
	b.commit()
	return meta, nil
}

// MetadataByName returns already built metadata by class name
func (c *Catalog) MetadataByName(name string) (*ClassMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	meta, ok := c.byName[name]
	if !ok || !meta.ready {
		return nil, false
	}
	return meta, true
}

// List returns the names of all built classes
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.byName))
	for name, meta := range c.byName {
		if meta.ready {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Type returns a registered scalar type
func (c *Catalog) Type(name string) (Type, bool) {
	t, ok := c.types[name]
	return t, ok
}

// TargetMetadata returns the metadata of a non-polymorphic association target
func (c *Catalog) TargetMetadata(f *FieldMapping) (*ClassMetadata, error) {
	if f.Type == FieldScalar {
		return nil, newError(f.Declarer, f.Name, "scalar field has no target")
	}
	return c.GetMetadataFor(f.Target)
}

// ResolveVariant returns the metadata of the variant stored under a
// discriminator value. An empty value selects the hierarchy default.
func (c *Catalog) ResolveVariant(h *Hierarchy, value any) (*ClassMetadata, error) {
	key, _ := value.(string)
	if value != nil && key == "" {
		key = fmt.Sprint(value)
	}
	if key == "" {
		key = h.Default
	}
	vt, ok := h.Variants[key]
	if !ok {
		return nil, newError(h.Name(), h.Field, "unknown discriminator value %q", key).
			withHint(fmt.Sprintf("known values: %v", h.Values()))
	}
	return c.GetMetadataFor(vt)
}

// IsInstance reports whether obj belongs to meta: it is of meta's type, a
// subclass of it, or a variant implementing an interface root
func (c *Catalog) IsInstance(obj any, meta *ClassMetadata) bool {
	t := reflect.TypeOf(obj)
	if t == nil {
		return false
	}
	if meta.IsInterfaceRoot {
		return t.Implements(meta.GoType)
	}
	if t == reflect.PointerTo(meta.GoType) {
		return true
	}
	cls, err := c.GetMetadataFor(obj)
	if err != nil {
		return false
	}
	for cls.Parent != "" {
		parent, ok := c.MetadataByName(cls.Parent)
		if !ok {
			return false
		}
		if parent == meta {
			return true
		}
		cls = parent
	}
	return false
}

// ResolveDocument returns the class a stored document of meta hydrates
// into. Interface roots select the variant by discriminator; every other
// class resolves to itself.
func (c *Catalog) ResolveDocument(meta *ClassMetadata, raw map[string]any) (*ClassMetadata, error) {
	if !meta.IsInterfaceRoot {
		return meta, nil
	}
	c.mu.RLock()
	h, ok := c.hierarchies[meta.GoType]
	c.mu.RUnlock()
	if !ok {
		return nil, newError(meta.Name, "", "interface has no registered hierarchy")
	}
	return c.ResolveVariant(h, raw[h.Field])
}

// builder builds metadata under the catalog write lock. Types created
// during a failed build are removed again.
type builder struct {
	catalog *Catalog
	created []reflect.Type
}

func (b *builder) rollback() {
	for _, t := range b.created {
		if meta, ok := b.catalog.classes[t]; ok {
			delete(b.catalog.byName, meta.Name)
		}
		delete(b.catalog.classes, t)
	}
}

func (b *builder) commit() {
	for _, t := range b.created {
		b.catalog.classes[t].ready = true
	}
}

func (b *builder) build(t reflect.Type) (*ClassMetadata, error) {
	if meta, ok := b.catalog.classes[t]; ok {
		return meta, nil
	}
	switch t.Kind() {
	case reflect.Interface:
		return b.buildInterfaceRoot(t)
	case reflect.Struct:
	default:
		return nil, newError(t.String(), "", "no discoverable mapping for type of kind %s", t.Kind())
	}
	if t == timeType {
		return nil, newError(t.String(), "", "time.Time is a scalar type")
	}

	meta := newClassMetadata(t)
	b.catalog.classes[t] = meta
	b.catalog.byName[meta.Name] = meta
	b.created = append(b.created, t)

	meta.IsEmbedded = !isDocumentStruct(t)
	if err := b.populate(meta, t, nil); err != nil {
		return nil, err
	}
	if err := b.finalize(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// populate maps the fields of t, recursing into anonymous structs
func (b *builder) populate(meta *ClassMetadata, t reflect.Type, prefix []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		index := append(append([]int(nil), prefix...), i)
		tag, hasTag := sf.Tag.Lookup("odm")

		if sf.Type == documentMarker {
			if err := b.applyClassTag(meta, tag); err != nil {
				return err
			}
			continue
		}
		if tag == "-" {
			continue
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && !hasTag {
			if isDocumentStruct(sf.Type) {
				parent, err := b.build(sf.Type)
				if err != nil {
					return err
				}
				inherit(meta, parent, index)
				continue
			}
			if err := b.populate(meta, sf.Type, index); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		f, err := b.fieldMapping(meta, sf, index, tag)
		if err != nil {
			return err
		}
		meta.addField(f)
	}
	return nil
}

func (b *builder) applyClassTag(meta *ClassMetadata, tag string) error {
	opts := parseOptions(splitTag(tag))
	for k, v := range opts {
		switch k {
		case "collection":
			meta.Collection = v
		case "readOnly":
			meta.IsReadOnly = true
		case "discriminator":
			meta.DiscriminatorField = v
		case "discriminatorValue":
			meta.DiscriminatorValue = v
		default:
			return newError(meta.Name, "", "unknown class option %q", k)
		}
	}
	return nil
}

func inherit(meta, parent *ClassMetadata, index []int) {
	meta.Parent = parent.Name
	if meta.Collection == "" {
		meta.Collection = parent.Collection
	}
	if parent.IsReadOnly {
		meta.IsReadOnly = true
	}
	if meta.DiscriminatorField == "" {
		meta.DiscriminatorField = parent.DiscriminatorField
	}
	if parent.Identifier != "" {
		meta.IDStrategy = parent.IDStrategy
	}
	for _, pf := range parent.Fields {
		f := *pf
		f.Index = append(append([]int(nil), index...), pf.Index...)
		meta.addField(&f)
	}
}

func (b *builder) fieldMapping(meta *ClassMetadata, sf reflect.StructField, index []int, tag string) (*FieldMapping, error) {
	name, opts := parseTag(tag)
	f := &FieldMapping{
		Name:     sf.Name,
		Key:      name,
		Index:    index,
		GoType:   sf.Type,
		Declarer: meta.Name,
	}
	if f.Key == "" {
		f.Key = defaultKey(sf.Name)
	}

	if err := b.classify(meta, f, opts["type"]); err != nil {
		return nil, err
	}

	for k, v := range opts {
		switch k {
		case "id":
			if f.Type != FieldScalar {
				return nil, newError(meta.Name, f.Name, "identifier must be a scalar field")
			}
			f.IsID = true
			f.Key = document.KeyID
			f.Scalar = b.catalog.types["id"]
		case "strategy":
			if err := applyStrategy(meta, f, v, opts); err != nil {
				return nil, err
			}
		case "cascade":
			flags, err := ParseCascade(v)
			if err != nil {
				return nil, newError(meta.Name, f.Name, "%s", err.Error())
			}
			if f.Type == FieldScalar && flags != CascadeNone {
				return nil, newError(meta.Name, f.Name, "cascade %s declared on a scalar field", flags)
			}
			f.Cascade = flags
		case "mappedBy", "inversedBy":
			if !f.Type.IsReference() {
				return nil, newError(meta.Name, f.Name, "%s is only valid on references", k)
			}
			if k == "mappedBy" {
				f.MappedBy = v
			} else {
				f.InversedBy = v
			}
		case "storeAs":
			if !f.Type.IsReference() {
				return nil, newError(meta.Name, f.Name, "storeAs is only valid on references")
			}
			s, err := ParseStoreAs(v)
			if err != nil {
				return nil, newError(meta.Name, f.Name, "%s", err.Error())
			}
			f.StoreAs = s
		case "extraLazy":
			if !f.Type.IsMany() {
				return nil, newError(meta.Name, f.Name, "extraLazy is only valid on collections")
			}
			f.ExtraLazy = true
		case "nullable":
			f.Nullable = true
		case "type":
		default:
			return nil, newError(meta.Name, f.Name, "unknown field option %q", k)
		}
	}

	if f.Type.IsEmbedded() {
		f.Cascade = CascadeAll
	}
	if f.GoType.Kind() == reflect.Ptr && f.Type == FieldScalar {
		f.Nullable = true
	}
	return f, nil
}

func applyStrategy(meta *ClassMetadata, f *FieldMapping, v string, opts map[string]string) error {
	_, isID := opts["id"]
	switch {
	case isID:
		s, err := ParseIDStrategy(v)
		if err != nil {
			return newError(meta.Name, f.Name, "%s", err.Error())
		}
		meta.IDStrategy = s
	case f.Type.IsMany():
		s, err := ParseCollectionStrategy(v)
		if err != nil {
			return newError(meta.Name, f.Name, "%s", err.Error())
		}
		f.Strategy = s
	default:
		return newError(meta.Name, f.Name, "strategy is only valid on identifiers and collections")
	}
	return nil
}

// classify infers the association kind of f from its Go type
func (b *builder) classify(meta *ClassMetadata, f *FieldMapping, typeName string) error {
	ft := f.GoType

	if typeName != "" {
		t, ok := b.catalog.types[typeName]
		if !ok {
			return newError(meta.Name, f.Name, "unknown type %q", typeName)
		}
		f.Type = FieldScalar
		f.Scalar = t
		return nil
	}

	switch {
	case reflect.PointerTo(ft).Implements(referenceIface):
		elem := reflect.New(ft).Interface().(document.Reference).ElemType()
		isDoc, err := b.resolveTarget(meta, f, elem)
		if err != nil {
			return err
		}
		if !isDoc {
			return newError(meta.Name, f.Name, "reference target %s is an embedded type", elem).
				withHint("embed it through a pointer field instead")
		}
		f.Type = FieldReferenceOne
		return nil

	case reflect.PointerTo(ft).Implements(collectionIface):
		elem := reflect.New(ft).Interface().(document.PersistentCollection).ElemType()
		if elem.Kind() != reflect.Ptr && elem.Kind() != reflect.Interface {
			return newError(meta.Name, f.Name, "collection element type %s must be a pointer or an interface", elem)
		}
		isDoc, err := b.resolveTarget(meta, f, elem)
		if err != nil {
			return err
		}
		if isDoc {
			f.Type = FieldReferenceMany
		} else {
			f.Type = FieldEmbedMany
		}
		return nil

	case ft.Kind() == reflect.Ptr && ft.Elem().Kind() == reflect.Struct && ft.Elem() != timeType:
		isDoc, err := b.resolveTarget(meta, f, ft)
		if err != nil {
			return err
		}
		if isDoc {
			return newError(meta.Name, f.Name, "cannot embed %s: it declares a database collection", ft.Elem()).
				withHint("use document.Ref to reference it")
		}
		f.Type = FieldEmbedOne
		return nil

	case ft.Kind() == reflect.Interface && b.catalog.hierarchies[ft] != nil:
		isDoc, err := b.resolveTarget(meta, f, ft)
		if err != nil {
			return err
		}
		if isDoc {
			return newError(meta.Name, f.Name, "cannot embed hierarchy %s: its variants declare a database collection", ft).
				withHint("use document.Ref to reference it")
		}
		f.Type = FieldEmbedOne
		return nil

	case ft.Kind() == reflect.Struct && ft != timeType:
		return newError(meta.Name, f.Name, "embedded struct %s must be declared as a pointer", ft)
	}

	name, ok := inferTypeName(ft)
	if !ok {
		return newError(meta.Name, f.Name, "unsupported field type %s", ft)
	}
	f.Type = FieldScalar
	f.Scalar = b.catalog.types[name]
	return nil
}

// resolveTarget validates and builds the target of an association. It
// reports whether the target is a top-level document.
func (b *builder) resolveTarget(meta *ClassMetadata, f *FieldMapping, elem reflect.Type) (bool, error) {
	switch {
	case elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct:
		target := elem.Elem()
		f.Target = target
		if _, err := b.build(target); err != nil {
			return false, err
		}
		return isDocumentStruct(target), nil

	case elem.Kind() == reflect.Interface:
		h, ok := b.catalog.hierarchies[elem]
		if !ok {
			return false, newError(meta.Name, f.Name, "target interface %s has no registered hierarchy", elem).
				withHint("register it with mapping.Polymorphic")
		}
		if err := h.validate(); err != nil {
			return false, err
		}
		f.Target = elem
		f.Hierarchy = h
		kinds := make(map[bool]bool)
		for _, value := range h.Values() {
			vt := h.Variants[value]
			if _, err := b.build(vt); err != nil {
				return false, err
			}
			kinds[isDocumentStruct(vt)] = true
		}
		if len(kinds) > 1 {
			return false, newError(h.Name(), "", "hierarchy mixes documents and embedded types")
		}
		return kinds[true], nil
	}
	return false, newError(meta.Name, f.Name, "target type %s has no discoverable mapping", elem)
}

func (b *builder) finalize(meta *ClassMetadata) error {
	for _, h := range b.catalog.hierarchies {
		if value, ok := h.ValueFor(meta.GoType); ok {
			meta.DiscriminatorField = h.Field
			meta.DiscriminatorValue = value
		}
	}

	if meta.IsEmbedded {
		return nil
	}
	if meta.Collection == "" {
		meta.Collection = toSnakeCase(meta.GoType.Name())
	}
	if meta.Identifier == "" {
		if f, ok := meta.byName["ID"]; ok && f.Type == FieldScalar {
			delete(meta.byKey, f.Key)
			f.IsID = true
			f.Key = document.KeyID
			f.Scalar = b.catalog.types["id"]
			meta.byKey[f.Key] = f
			meta.Identifier = f.Name
		}
	}
	if meta.Identifier == "" {
		return newError(meta.Name, "", "document has no identifier field").
			withHint(`tag a field with odm:"_id,id"`)
	}

	return nil
}

// validateInverse checks mappedBy declarations once every type of the
// build is populated
func (b *builder) validateInverse() error {
	for _, t := range b.created {
		if err := b.checkInverse(b.catalog.classes[t]); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) checkInverse(meta *ClassMetadata) error {
	for _, f := range meta.Fields {
		if f.MappedBy == "" || f.Hierarchy != nil {
			continue
		}
		target := b.catalog.classes[f.Target]
		if target == nil {
			continue
		}
		back, ok := target.byName[f.MappedBy]
		if !ok {
			back, ok = target.byKey[f.MappedBy]
		}
		if !ok || !back.Type.IsReference() {
			return newError(meta.Name, f.Name, "mappedBy %q is not a reference of %s", f.MappedBy, target.Name)
		}
		if back.MappedBy != "" {
			return newError(meta.Name, f.Name, "both sides of %s.%s are inverse", target.Name, back.Name)
		}
	}
	return nil
}

// buildInterfaceRoot builds the metadata of a hierarchy interface. It is
// used by queries that load any variant of the hierarchy.
func (b *builder) buildInterfaceRoot(t reflect.Type) (*ClassMetadata, error) {
	h, ok := b.catalog.hierarchies[t]
	if !ok {
		return nil, newError(t.String(), "", "interface has no registered hierarchy").
			withHint("register it with mapping.Polymorphic")
	}
	if err := h.validate(); err != nil {
		return nil, err
	}

	meta := newClassMetadata(t)
	meta.IsInterfaceRoot = true
	meta.DiscriminatorField = h.Field
	meta.DiscriminatorMap = make(map[string]string, len(h.Variants))
	b.catalog.classes[t] = meta
	b.catalog.byName[meta.Name] = meta
	b.created = append(b.created, t)

	for i, value := range h.Values() {
		variant, err := b.build(h.Variants[value])
		if err != nil {
			return nil, err
		}
		meta.DiscriminatorMap[value] = variant.Name
		if i == 0 {
			meta.IsEmbedded = variant.IsEmbedded
			meta.Collection = variant.Collection
			if id := variant.IdentifierField(); id != nil {
				meta.Identifier = id.Name
				meta.byName[id.Name] = id
				meta.byKey[id.Key] = id
			}
			continue
		}
		if variant.IsEmbedded != meta.IsEmbedded {
			return nil, newError(meta.Name, "", "hierarchy mixes documents and embedded types")
		}
		if variant.Collection != meta.Collection {
			return nil, newError(meta.Name, "", "variants are stored in different collections (%s, %s)",
				meta.Collection, variant.Collection)
		}
	}
	return meta, nil
}

// isDocumentStruct reports whether t carries a document.Document marker,
// directly or through anonymous embedding
func isDocumentStruct(t reflect.Type) bool {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.Type == documentMarker {
			return true
		}
		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && isDocumentStruct(sf.Type) {
			return true
		}
	}
	return false
}

func splitTag(tag string) []string {
	if tag == "" {
		return nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			parts = append(parts, tag[start:i])
			start = i + 1
		}
	}
	return append(parts, tag[start:])
}
