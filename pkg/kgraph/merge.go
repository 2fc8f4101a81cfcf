package kgraph

import (
	"context"
	"fmt"

	"github.com/engramdb/engram/pkg/store"
)

// MergeEntities absorbs one entity into another: the survivor gains the
// other's name as an alias, its aliases, source events, evidence counts,
// and any metadata keys it lacks, and every edge and fact is re-pointed. The storage rewiring is a
// single atomic batch; afterwards no record references the absorbed ID.
func (m *Manager) MergeEntities(ctx context.Context, keepID, dropID string) (*store.Entity, error) {
	if keepID == dropID {
		return nil, fmt.Errorf("kgraph: merge: cannot merge %s into itself", keepID)
	}
	keep, err := m.store.GetEntity(ctx, keepID)
	if err != nil {
		return nil, err
	}
	if keep == nil {
		return nil, fmt.Errorf("kgraph: merge: survivor %s: %w", keepID, store.ErrMissingRecord)
	}
	drop, err := m.store.GetEntity(ctx, dropID)
	if err != nil {
		return nil, err
	}
	if drop == nil {
		return nil, fmt.Errorf("kgraph: merge: absorbed %s: %w", dropID, store.ErrMissingRecord)
	}

	if !hasName(keep, store.NormalizeName(drop.Name)) {
		keep.Aliases = append(keep.Aliases, drop.Name)
	}
	for _, alias := range drop.Aliases {
		if !hasName(keep, store.NormalizeName(alias)) {
			keep.Aliases = append(keep.Aliases, alias)
		}
	}
	keep.SourceEventIDs = appendUnique(keep.SourceEventIDs, drop.SourceEventIDs...)
	keep.EventCount += drop.EventCount
	keep.FirstSeen = min(keep.FirstSeen, drop.FirstSeen)
	keep.LastSeen = max(keep.LastSeen, drop.LastSeen)
	if keep.Description == "" {
		keep.Description = drop.Description
	}
	for k, v := range drop.Metadata {
		if keep.Metadata == nil {
			keep.Metadata = make(map[string]any, len(drop.Metadata))
		}
		if _, exists := keep.Metadata[k]; !exists {
			keep.Metadata[k] = v
		}
	}

	if err := m.store.MergeEntities(ctx, keep, drop); err != nil {
		return nil, err
	}
	m.log.Info("entities merged", "kept", keepID, "absorbed", dropID, "name", keep.Name)
	return keep, nil
}
