package odm

import (
	"github.com/conduit-lang/odm/internal/hydrator"
	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/internal/uow"
)

type (
	// CatalogOption configures a Catalog
	CatalogOption = mapping.Option
	// Hierarchy is a closed set of variants implementing one interface
	Hierarchy = mapping.Hierarchy
	// Type converts scalar values between stored and Go representations
	Type = mapping.Type
	// FieldMapping describes one mapped field
	FieldMapping = mapping.FieldMapping
	// IDStrategy selects how identifiers of new documents are assigned
	IDStrategy = mapping.IDStrategy

	// HydratorFactory hydrates stored documents into mapped objects
	HydratorFactory = hydrator.Factory
	// HydrateOption adjusts a single Hydrate call
	HydrateOption = hydrator.Option

	// GeneratorFunc adapts a function to IdentifierGenerator
	GeneratorFunc = uow.GeneratorFunc
	// StrategyGenerator implements the mapped identifier strategies
	StrategyGenerator = uow.StrategyGenerator
	// PlaceholderFunc adapts a function to PlaceholderFactory
	PlaceholderFunc = uow.PlaceholderFunc
	// GhostFactory creates zero-valued instances carrying only their identifier
	GhostFactory = uow.GhostFactory
)

// Identifier strategies
const (
	IDAuto      = mapping.IDAuto
	IDUUID      = mapping.IDUUID
	IDIncrement = mapping.IDIncrement
	IDNone      = mapping.IDNone
	IDStorage   = mapping.IDStorage
)

// NewCatalog creates a metadata catalog
func NewCatalog(opts ...CatalogOption) *Catalog {
	return mapping.NewCatalog(opts...)
}

// Polymorphic registers the variants of interface I, given as typed nil
// pointers keyed by the discriminator value stored under field
//
//	odm.Polymorphic[Shape]("kind", map[string]any{
//		"circle": (*Circle)(nil),
//		"square": (*Square)(nil),
//	})
func Polymorphic[I any](field string, variants map[string]any) CatalogOption {
	return mapping.Polymorphic[I](field, variants)
}

// WithHierarchy registers a polymorphic hierarchy
func WithHierarchy(h Hierarchy) CatalogOption {
	return mapping.WithHierarchy(h)
}

// WithType registers a custom scalar type, usable as `type=<name>` in tags
func WithType(t Type) CatalogOption {
	return mapping.WithType(t)
}

// HydrateReadOnly hydrates a detached snapshot that is not tracked
func HydrateReadOnly() HydrateOption {
	return hydrator.ReadOnly()
}

// HydrateRefresh reuses embedded instances instead of replacing them
func HydrateRefresh() HydrateOption {
	return hydrator.Refresh()
}
