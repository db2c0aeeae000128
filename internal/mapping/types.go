// Package mapping provides the metadata catalog of the ODM: per-type mapping
// descriptors built lazily from struct tags, covering identifiers, scalar
// fields, embedded and referenced associations, cascade rules, inheritance
// and discriminator-based polymorphism.
package mapping

import (
	"fmt"
	"strings"
)

// FieldType is the association kind of a mapped field
type FieldType int

const (
	FieldScalar FieldType = iota
	FieldEmbedOne
	FieldEmbedMany
	FieldReferenceOne
	FieldReferenceMany
)

// String returns the string representation of the field type
func (f FieldType) String() string {
	switch f {
	case FieldScalar:
		return "scalar"
	case FieldEmbedOne:
		return "embedOne"
	case FieldEmbedMany:
		return "embedMany"
	case FieldReferenceOne:
		return "referenceOne"
	case FieldReferenceMany:
		return "referenceMany"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a string to a FieldType
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "scalar":
		return FieldScalar, nil
	case "embedOne":
		return FieldEmbedOne, nil
	case "embedMany":
		return FieldEmbedMany, nil
	case "referenceOne":
		return FieldReferenceOne, nil
	case "referenceMany":
		return FieldReferenceMany, nil
	default:
		return 0, fmt.Errorf("unknown field type: %s", s)
	}
}

// IsEmbedded reports whether values of the field are stored inline
func (f FieldType) IsEmbedded() bool {
	return f == FieldEmbedOne || f == FieldEmbedMany
}

// IsReference reports whether the field points at independently stored documents
func (f FieldType) IsReference() bool {
	return f == FieldReferenceOne || f == FieldReferenceMany
}

// IsMany reports whether the field is a to-many association
func (f FieldType) IsMany() bool {
	return f == FieldEmbedMany || f == FieldReferenceMany
}

// CascadeFlags is a set of operations propagated along an association
type CascadeFlags uint8

const (
	CascadePersist CascadeFlags = 1 << iota
	CascadeRemove
	CascadeDetach
	CascadeMerge
	CascadeRefresh

	CascadeNone CascadeFlags = 0
	CascadeAll               = CascadePersist | CascadeRemove | CascadeDetach | CascadeMerge | CascadeRefresh
)

// Has reports whether all flags in f are set
func (c CascadeFlags) Has(f CascadeFlags) bool {
	return c&f == f
}

// String returns the pipe-separated flag names
func (c CascadeFlags) String() string {
	if c == CascadeNone {
		return "none"
	}
	if c == CascadeAll {
		return "all"
	}
	var parts []string
	for _, f := range []struct {
		flag CascadeFlags
		name string
	}{
		{CascadePersist, "persist"},
		{CascadeRemove, "remove"},
		{CascadeDetach, "detach"},
		{CascadeMerge, "merge"},
		{CascadeRefresh, "refresh"},
	} {
		if c.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseCascade converts a pipe-separated list such as "persist|remove" to CascadeFlags
func ParseCascade(s string) (CascadeFlags, error) {
	var flags CascadeFlags
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(part) {
		case "persist":
			flags |= CascadePersist
		case "remove":
			flags |= CascadeRemove
		case "detach":
			flags |= CascadeDetach
		case "merge":
			flags |= CascadeMerge
		case "refresh":
			flags |= CascadeRefresh
		case "all":
			flags |= CascadeAll
		case "", "none":
		default:
			return 0, fmt.Errorf("unknown cascade action: %s", part)
		}
	}
	return flags, nil
}

// IDStrategy selects how identifiers are assigned
type IDStrategy int

const (
	// IDAuto assigns a random UUID string on persist
	IDAuto IDStrategy = iota
	// IDUUID assigns a time-ordered UUID on persist
	IDUUID
	// IDIncrement draws the next value of a storage-side sequence on persist
	IDIncrement
	// IDNone requires the application to set the identifier
	IDNone
	// IDStorage lets the storage driver assign the identifier on insert
	IDStorage
)

// String returns the string representation of the strategy
func (s IDStrategy) String() string {
	switch s {
	case IDAuto:
		return "auto"
	case IDUUID:
		return "uuid"
	case IDIncrement:
		return "increment"
	case IDNone:
		return "none"
	case IDStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// ParseIDStrategy converts a string to an IDStrategy
func ParseIDStrategy(s string) (IDStrategy, error) {
	switch s {
	case "auto", "":
		return IDAuto, nil
	case "uuid":
		return IDUUID, nil
	case "increment":
		return IDIncrement, nil
	case "none":
		return IDNone, nil
	case "storage":
		return IDStorage, nil
	default:
		return 0, fmt.Errorf("unknown identifier strategy: %s", s)
	}
}

// IsClientSide reports whether the identifier is known before the insert is issued
func (s IDStrategy) IsClientSide() bool {
	return s != IDStorage
}

// CollectionStrategy selects how a changed to-many association is written
type CollectionStrategy int

const (
	// StrategyPushAll appends inserted elements, rewriting the field only when elements were removed
	StrategyPushAll CollectionStrategy = iota
	// StrategySet always rewrites the whole field
	StrategySet
	// StrategyAddToSet appends inserted elements that are not already stored
	StrategyAddToSet
)

// String returns the string representation of the strategy
func (s CollectionStrategy) String() string {
	switch s {
	case StrategyPushAll:
		return "pushAll"
	case StrategySet:
		return "set"
	case StrategyAddToSet:
		return "addToSet"
	default:
		return "unknown"
	}
}

// ParseCollectionStrategy converts a string to a CollectionStrategy
func ParseCollectionStrategy(s string) (CollectionStrategy, error) {
	switch s {
	case "pushAll", "":
		return StrategyPushAll, nil
	case "set":
		return StrategySet, nil
	case "addToSet":
		return StrategyAddToSet, nil
	default:
		return 0, fmt.Errorf("unknown collection strategy: %s", s)
	}
}

// StoreAs selects the stored shape of a reference
type StoreAs int

const (
	// StoreAsRef stores {"$id": id, "$ref": collection}
	StoreAsRef StoreAs = iota
	// StoreAsID stores the bare identifier
	StoreAsID
)

// String returns the string representation of the reference shape
func (s StoreAs) String() string {
	switch s {
	case StoreAsRef:
		return "ref"
	case StoreAsID:
		return "id"
	default:
		return "unknown"
	}
}

// ParseStoreAs converts a string to a StoreAs
func ParseStoreAs(s string) (StoreAs, error) {
	switch s {
	case "ref", "dbRef", "":
		return StoreAsRef, nil
	case "id":
		return StoreAsID, nil
	default:
		return 0, fmt.Errorf("unknown reference shape: %s", s)
	}
}
