// Package kgraph is the knowledge graph manager: entity resolution, entity
// merging, edge reinforcement, and fact deduplication over the Record
// Store. The graph is derived state — every mutation here is reconstructible
// from the event log, so the manager favors convergence over strictness:
// resolving the same mention twice must land on the same entity, and
// re-running an extraction must not duplicate edges or facts.
package kgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/store"
)

const (
	// fuzzyThreshold is the minimum name similarity for resolving a
	// mention to an existing entity without an exact name match.
	fuzzyThreshold = 0.8

	// containmentScore is awarded when one normalized name contains the
	// other ("john" vs "john smith").
	containmentScore = 0.9

	// edgeInitialStrength and edgeReinforce govern relationship strength:
	// a new edge takes the extraction confidence as its strength, with
	// the middle as the fallback for out-of-range confidence; each
	// re-observation adds a fixed step, and the cap keeps strength a
	// bounded signal.
	edgeInitialStrength = 0.5
	edgeReinforce       = 0.1
	edgeMaxStrength     = 1.0

	// factOverlapThreshold is the word-overlap ratio above which two fact
	// objects are considered restatements of each other. Only objects
	// longer than factMinDedupLen characters qualify; short objects must
	// match exactly.
	factOverlapThreshold = 0.7
	factMinDedupLen      = 10
)

// Manager coordinates graph mutations. It holds no state of its own; all
// reads and writes go through the Record Store, and the engine's write
// mutex serializes mutating calls.
type Manager struct {
	store *store.Store
	emb   embed.Embedder
	log   *slog.Logger
}

// New creates a graph manager. emb is optional; without it, embedding-based
// similarity discovery is unavailable.
func New(s *store.Store, emb embed.Embedder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, emb: emb, log: logger}
}

// LookupEntity resolves a mention (name, type) to an existing entity
// without creating or mutating anything: exact normalized name or alias
// match first, then fuzzy matching. Returns nil when nothing matches.
func (m *Manager) LookupEntity(ctx context.Context, name, typ string) (*store.Entity, error) {
	norm := store.NormalizeName(name)
	if norm == "" {
		return nil, fmt.Errorf("kgraph: lookup: empty name")
	}
	ent, err := m.store.FindEntityByName(ctx, typ, name)
	if err != nil || ent != nil {
		return ent, err
	}
	return m.fuzzyMatch(ctx, norm, typ)
}

// ResolveEntity maps a mention (name, type) to an entity, creating one if
// nothing matches. Resolution tries, in order: exact normalized name or
// alias lookup, then fuzzy matching against all entities of the type —
// first candidate above the threshold wins, so repeated resolution of the
// same mention is deterministic. A fuzzy hit records the mention as an
// alias. The returned bool reports whether a new entity was created.
func (m *Manager) ResolveEntity(ctx context.Context, name, typ, sourceEventID string) (*store.Entity, bool, error) {
	norm := store.NormalizeName(name)
	if norm == "" {
		return nil, false, fmt.Errorf("kgraph: resolve: empty name")
	}

	ent, err := m.store.FindEntityByName(ctx, typ, name)
	if err != nil {
		return nil, false, err
	}
	if ent == nil {
		ent, err = m.fuzzyMatch(ctx, norm, typ)
		if err != nil {
			return nil, false, err
		}
		if ent != nil && !hasName(ent, norm) {
			ent.Aliases = append(ent.Aliases, name)
		}
	}

	if ent != nil {
		ent.EventCount++
		ent.LastSeen = store.NowNano()
		if sourceEventID != "" {
			ent.SourceEventIDs = appendUnique(ent.SourceEventIDs, sourceEventID)
		}
		if err := m.store.UpdateEntity(ctx, ent); err != nil {
			return nil, false, err
		}
		return ent, false, nil
	}

	ent = &store.Entity{Name: name, Type: typ}
	if sourceEventID != "" {
		ent.SourceEventIDs = []string{sourceEventID}
	}
	if err := m.store.SaveEntity(ctx, ent); err != nil {
		return nil, false, err
	}
	return ent, true, nil
}

// fuzzyMatch scans entities of one type for the first whose name or alias
// scores above the threshold against the normalized mention.
func (m *Manager) fuzzyMatch(ctx context.Context, norm, typ string) (*store.Entity, error) {
	entities, err := m.store.Entities(ctx, typ)
	if err != nil {
		return nil, err
	}
	for _, ent := range entities {
		for _, candidate := range entityNames(ent) {
			if nameSimilarity(norm, candidate) > fuzzyThreshold {
				return ent, nil
			}
		}
	}
	return nil, nil
}

// entityNames returns the normalized name and aliases of an entity.
func entityNames(ent *store.Entity) []string {
	names := make([]string, 0, 1+len(ent.Aliases))
	names = append(names, store.NormalizeName(ent.Name))
	for _, a := range ent.Aliases {
		names = append(names, store.NormalizeName(a))
	}
	return names
}

func hasName(ent *store.Entity, norm string) bool {
	for _, n := range entityNames(ent) {
		if n == norm {
			return true
		}
	}
	return false
}

// nameSimilarity scores two normalized names: 1.0 for equality, 0.9 when
// one contains the other, otherwise the Jaccard overlap of their word sets.
func nameSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return containmentScore
	}
	return jaccard(strings.Fields(a), strings.Fields(b))
}

// jaccard computes |A∩B| / |A∪B| over word sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func appendUnique(dst []string, items ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range items {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}
