package store

import (
	"context"
	"fmt"

	"github.com/engramdb/engram/pkg/kv"
)

// MergeEntities absorbs drop into keep: every edge and fact referencing
// drop is re-pointed at keep, drop's rows and index entries are removed,
// and keep (already carrying the combined aliases and counts, prepared by
// the caller) is rewritten. All writes land in one batch and all deletes in
// a second, with writes first: a crash between the two leaves transient
// duplicates, never dangling references.
func (s *Store) MergeEntities(ctx context.Context, keep, drop *Entity) error {
	if keep == nil || drop == nil || keep.ID == "" || drop.ID == "" {
		return fmt.Errorf("store: merge entities: missing entity")
	}
	if keep.ID == drop.ID {
		return fmt.Errorf("store: merge entities: cannot merge %s into itself", keep.ID)
	}

	var sets []kv.Entry
	var dels []kv.Key

	row, err := rowEntry(entityKey(keep.ID), keep)
	if err != nil {
		return err
	}
	sets = append(sets, row)
	sets = append(sets, entityNameEntries(keep)...)
	dels = append(dels, entityKey(drop.ID))
	dels = append(dels, entityNameKeys(drop)...)

	edgeSets, edgeDels, err := s.mergeEdges(ctx, keep.ID, drop.ID)
	if err != nil {
		return err
	}
	sets = append(sets, edgeSets...)
	dels = append(dels, edgeDels...)

	facts, err := s.FactsBySubject(ctx, drop.ID)
	if err != nil {
		return err
	}
	for _, f := range facts {
		dels = append(dels, factSubjectKey(drop.ID, f.ID))
		f.SubjectEntityID = keep.ID
		row, err := rowEntry(factKey(f.ID), f)
		if err != nil {
			return err
		}
		sets = append(sets, row, indexEntry(factSubjectKey(keep.ID, f.ID), ""))
	}

	if err := s.db.BatchSet(ctx, sets); err != nil {
		return fmt.Errorf("store: merge %s into %s: %w", drop.ID, keep.ID, err)
	}
	if err := s.db.BatchDelete(ctx, dels); err != nil {
		return fmt.Errorf("store: merge %s into %s: cleanup: %w", drop.ID, keep.ID, err)
	}
	return nil
}

// mergeEdges stages the edge rewiring for a merge. Edges between keep and
// drop would become self-loops and are dropped; a re-pointed edge whose
// triple collides with one keep already owns folds into it.
func (s *Store) mergeEdges(ctx context.Context, keepID, dropID string) ([]kv.Entry, []kv.Key, error) {
	edges, err := s.EdgesByEntity(ctx, dropID)
	if err != nil {
		return nil, nil, err
	}

	var sets []kv.Entry
	var dels []kv.Key
	for _, e := range edges {
		dels = append(dels,
			edgeTripleKey(e.SourceEntityID, e.TargetEntityID, e.RelationType),
			edgeSrcKey(e.SourceEntityID, e.ID),
			edgeTgtKey(e.TargetEntityID, e.ID),
		)

		src, tgt := e.SourceEntityID, e.TargetEntityID
		if src == dropID {
			src = keepID
		}
		if tgt == dropID {
			tgt = keepID
		}
		if src == tgt {
			dels = append(dels, edgeKey(e.ID))
			continue
		}

		existing, err := s.FindEdge(ctx, src, tgt, e.RelationType)
		if err != nil {
			return nil, nil, err
		}
		if existing != nil && existing.ID != e.ID {
			existing.EvidenceCount += e.EvidenceCount
			existing.Strength = max(existing.Strength, e.Strength)
			existing.Confidence = max(existing.Confidence, e.Confidence)
			existing.FirstSeen = min(existing.FirstSeen, e.FirstSeen)
			existing.LastSeen = max(existing.LastSeen, e.LastSeen)
			existing.SourceEventIDs = appendUnique(existing.SourceEventIDs, e.SourceEventIDs...)
			row, err := rowEntry(edgeKey(existing.ID), existing)
			if err != nil {
				return nil, nil, err
			}
			sets = append(sets, row)
			dels = append(dels, edgeKey(e.ID))
			continue
		}

		e.SourceEntityID, e.TargetEntityID = src, tgt
		row, err := rowEntry(edgeKey(e.ID), e)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, row,
			indexEntry(edgeTripleKey(src, tgt, e.RelationType), e.ID),
			indexEntry(edgeSrcKey(src, e.ID), ""),
			indexEntry(edgeTgtKey(tgt, e.ID), ""),
		)
	}
	return sets, dels, nil
}

// appendUnique appends items not already present, preserving order.
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
