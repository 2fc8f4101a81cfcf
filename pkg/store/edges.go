package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// SaveEdge persists a new edge with its adjacency and triple indexes. The
// (source, target, relation-type) triple is the edge's natural key; callers
// reinforcing an existing relationship should find it via FindEdge first.
func (s *Store) SaveEdge(ctx context.Context, e *Edge) error {
	if e.SourceEntityID == "" || e.TargetEntityID == "" {
		return fmt.Errorf("store: save edge: missing endpoint")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := NowNano()
	if e.FirstSeen == 0 {
		e.FirstSeen = now
	}
	if e.LastSeen == 0 {
		e.LastSeen = now
	}
	if e.EvidenceCount == 0 {
		e.EvidenceCount = 1
	}

	row, err := rowEntry(edgeKey(e.ID), e)
	if err != nil {
		return err
	}
	entries := []kv.Entry{
		row,
		indexEntry(edgeTripleKey(e.SourceEntityID, e.TargetEntityID, e.RelationType), e.ID),
		indexEntry(edgeSrcKey(e.SourceEntityID, e.ID), ""),
		indexEntry(edgeTgtKey(e.TargetEntityID, e.ID), ""),
	}
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: save edge %s: %w", e.ID, err)
	}
	return nil
}

// GetEdge returns one edge, or nil if absent.
func (s *Store) GetEdge(ctx context.Context, id string) (*Edge, error) {
	return getRow[Edge](ctx, s, edgeKey(id))
}

// FindEdge looks up the edge for a (source, target, relation-type) triple.
// Returns nil when the relationship has never been recorded.
func (s *Store) FindEdge(ctx context.Context, src, tgt, relType string) (*Edge, error) {
	raw, err := s.db.Get(ctx, edgeTripleKey(src, tgt, relType))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: edge lookup %s→%s: %w", src, tgt, err)
	}
	return s.GetEdge(ctx, string(raw))
}

// UpdateEdge rewrites an edge row in place. Endpoints and relation type are
// immutable; re-pointing an edge is a delete plus a save.
func (s *Store) UpdateEdge(ctx context.Context, e *Edge) error {
	if e.ID == "" {
		return fmt.Errorf("store: update edge: empty id")
	}
	return s.putRow(ctx, edgeKey(e.ID), e)
}

// DeleteEdge removes an edge row and all its index entries.
func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	e, err := s.GetEdge(ctx, id)
	if err != nil || e == nil {
		return err
	}
	keys := []kv.Key{
		edgeKey(id),
		edgeTripleKey(e.SourceEntityID, e.TargetEntityID, e.RelationType),
		edgeSrcKey(e.SourceEntityID, id),
		edgeTgtKey(e.TargetEntityID, id),
	}
	if err := s.db.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("store: delete edge %s: %w", id, err)
	}
	return nil
}

// EdgesByEntity returns every edge touching an entity, outgoing and
// incoming, deduplicated (self-loops appear once).
func (s *Store) EdgesByEntity(ctx context.Context, entityID string) ([]*Edge, error) {
	srcIDs, err := s.collectIDs(ctx, kv.Key{prefixEdgeSrc, entityID}, 0)
	if err != nil {
		return nil, err
	}
	tgtIDs, err := s.collectIDs(ctx, kv.Key{prefixEdgeTgt, entityID}, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(srcIDs)+len(tgtIDs))
	var out []*Edge
	for _, id := range append(srcIDs, tgtIDs...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, err := s.GetEdge(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}
