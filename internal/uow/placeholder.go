package uow

import (
	"github.com/conduit-lang/odm/internal/mapping"
)

// PlaceholderFactory creates the uninitialized instance standing in for an
// unloaded document. The unit of work registers it in the identity map and
// hydrates it on first access.
type PlaceholderFactory interface {
	Create(meta *mapping.ClassMetadata, id any) (any, error)
}

// PlaceholderFunc adapts a function to PlaceholderFactory
type PlaceholderFunc func(meta *mapping.ClassMetadata, id any) (any, error)

// Create implements PlaceholderFactory
func (f PlaceholderFunc) Create(meta *mapping.ClassMetadata, id any) (any, error) {
	return f(meta, id)
}

// GhostFactory creates zero-valued instances carrying only their identifier
type GhostFactory struct{}

// Create implements PlaceholderFactory
func (GhostFactory) Create(meta *mapping.ClassMetadata, id any) (any, error) {
	obj := meta.NewInstance()
	if err := meta.SetID(obj, id); err != nil {
		return nil, err
	}
	return obj, nil
}
