package uow

import (
	"context"
	"fmt"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/google/uuid"
)

// IdentifierGenerator assigns identifiers to documents persisted without one.
// It is consulted for every client-side strategy except IDNone.
type IdentifierGenerator interface {
	Generate(ctx context.Context, meta *mapping.ClassMetadata) (any, error)
}

// GeneratorFunc adapts a function to IdentifierGenerator
type GeneratorFunc func(ctx context.Context, meta *mapping.ClassMetadata) (any, error)

// Generate implements IdentifierGenerator
func (f GeneratorFunc) Generate(ctx context.Context, meta *mapping.ClassMetadata) (any, error) {
	return f(ctx, meta)
}

// StrategyGenerator implements the mapped identifier strategies. Increment
// sequences are drawn from the storage and named after the collection.
type StrategyGenerator struct {
	Storage storage.DocumentStorage
}

// Generate implements IdentifierGenerator
func (g *StrategyGenerator) Generate(ctx context.Context, meta *mapping.ClassMetadata) (any, error) {
	switch meta.IDStrategy {
	case mapping.IDAuto:
		return uuid.NewString(), nil
	case mapping.IDUUID:
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identifier for %s: %w", meta.Name, err)
		}
		return id.String(), nil
	case mapping.IDIncrement:
		seq, ok := g.Storage.(storage.Sequencer)
		if !ok {
			return nil, fmt.Errorf("storage %T does not provide sequences for %s", g.Storage, meta.Name)
		}
		n, err := seq.NextSequence(ctx, meta.Collection)
		if err != nil {
			return nil, fmt.Errorf("failed to generate identifier for %s: %w", meta.Name, err)
		}
		return n, nil
	case mapping.IDNone:
		return nil, fmt.Errorf("identifier of %s must be set before persist", meta.Name)
	}
	return nil, nil
}
