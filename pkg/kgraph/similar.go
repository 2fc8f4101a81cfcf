package kgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/vecindex"
)

// UpdateEntityEmbedding recomputes an entity's embedding from its name,
// aliases, and known facts, and stores it. Name-string matching catches
// spelling variants; the embedding catches semantic duplicates ("the CEO"
// vs a person's name) that share no words.
func (m *Manager) UpdateEntityEmbedding(ctx context.Context, entityID string) error {
	if m.emb == nil {
		return fmt.Errorf("kgraph: no embedder configured")
	}
	ent, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if ent == nil {
		return fmt.Errorf("kgraph: entity %s: %w", entityID, store.ErrMissingRecord)
	}

	facts, err := m.store.FactsBySubject(ctx, entityID)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(ent.Name)
	for _, a := range ent.Aliases {
		sb.WriteString(" ")
		sb.WriteString(a)
	}
	for _, f := range facts {
		sb.WriteString(" ")
		sb.WriteString(f.Predicate)
		sb.WriteString(" ")
		sb.WriteString(f.ObjectText)
	}

	vec, err := m.emb.Embed(ctx, sb.String())
	if err != nil {
		return fmt.Errorf("kgraph: embed entity %s: %w", entityID, err)
	}
	ent.Embedding = store.PackVector(vec)
	return m.store.UpdateEntity(ctx, ent)
}

// SimilarEntity is one near-duplicate candidate.
type SimilarEntity struct {
	Entity     *store.Entity
	Similarity float32
}

// FindSimilarEntities ranks entities of the same type by embedding
// similarity to the given one, best first, excluding the entity itself.
// Entities without an embedding are invisible to this search.
func (m *Manager) FindSimilarEntities(ctx context.Context, entityID string, k int) ([]SimilarEntity, error) {
	ent, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if ent == nil || len(ent.Embedding) == 0 {
		return nil, nil
	}
	query := store.UnpackVector(ent.Embedding)

	candidates, err := m.store.Entities(ctx, ent.Type)
	if err != nil {
		return nil, err
	}
	flat := vecindex.NewFlat(len(query))
	byID := make(map[string]*store.Entity, len(candidates))
	for _, c := range candidates {
		if c.ID == entityID || len(c.Embedding) == 0 {
			continue
		}
		vec := store.UnpackVector(c.Embedding)
		if len(vec) != len(query) {
			continue
		}
		if err := flat.Add(c.ID, vec); err != nil {
			continue
		}
		byID[c.ID] = c
	}

	matches, err := flat.Search(query, k, nil)
	if err != nil {
		return nil, fmt.Errorf("kgraph: similar entities: %w", err)
	}
	out := make([]SimilarEntity, 0, len(matches))
	for _, match := range matches {
		out = append(out, SimilarEntity{Entity: byID[match.ID], Similarity: match.Similarity})
	}
	return out, nil
}
