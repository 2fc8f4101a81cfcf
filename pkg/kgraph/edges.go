package kgraph

import (
	"context"
	"fmt"

	"github.com/engramdb/engram/pkg/store"
)

// RecordEdge creates or reinforces a relationship. An edge is identified by
// its (source, target, relation-type) triple: the first observation creates
// it with strength equal to the extraction confidence, every later one adds
// a fixed step up to the cap, bumps the evidence count, and raises — never
// lowers — confidence.
func (m *Manager) RecordEdge(ctx context.Context, srcID, tgtID, relation, relType string, confidence float64, sourceEventID string) (*store.Edge, error) {
	if srcID == "" || tgtID == "" {
		return nil, fmt.Errorf("kgraph: record edge: missing endpoint")
	}
	if srcID == tgtID {
		return nil, fmt.Errorf("kgraph: record edge: self-loop on %s", srcID)
	}
	if relType == "" {
		relType = "related_to"
	}

	e, err := m.store.FindEdge(ctx, srcID, tgtID, relType)
	if err != nil {
		return nil, err
	}
	if e == nil {
		strength := confidence
		if strength <= 0 || strength > edgeMaxStrength {
			strength = edgeInitialStrength
		}
		e = &store.Edge{
			SourceEntityID: srcID,
			TargetEntityID: tgtID,
			Relation:       relation,
			RelationType:   relType,
			Strength:       strength,
			Confidence:     confidence,
		}
		if sourceEventID != "" {
			e.SourceEventIDs = []string{sourceEventID}
		}
		if err := m.store.SaveEdge(ctx, e); err != nil {
			return nil, err
		}
		return e, nil
	}

	e.Strength = min(e.Strength+edgeReinforce, edgeMaxStrength)
	e.Confidence = max(e.Confidence, confidence)
	e.EvidenceCount++
	e.LastSeen = store.NowNano()
	if relation != "" {
		e.Relation = relation
	}
	if sourceEventID != "" {
		e.SourceEventIDs = appendUnique(e.SourceEventIDs, sourceEventID)
	}
	if err := m.store.UpdateEdge(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Network is one entity with its immediate graph neighborhood.
type Network struct {
	Entity    *store.Entity
	Facts     []*store.Fact
	Neighbors []Neighbor
}

// Neighbor pairs an edge with the entity on its far end.
type Neighbor struct {
	Edge   *store.Edge
	Entity *store.Entity
}

// EntityNetwork assembles the neighborhood of an entity: its facts and
// every connected entity with the linking edge, skipping edges weaker than
// minStrength. Edges whose far end no longer resolves are skipped too.
// Traversal is one-hop regardless of depth; the parameter is reserved for
// multi-hop walks.
func (m *Manager) EntityNetwork(ctx context.Context, entityID string, depth int, minStrength float64) (*Network, error) {
	ent, err := m.store.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, nil
	}

	facts, err := m.store.FactsBySubject(ctx, entityID)
	if err != nil {
		return nil, err
	}
	edges, err := m.store.EdgesByEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	net := &Network{Entity: ent, Facts: facts}
	for _, e := range edges {
		if e.Strength < minStrength {
			continue
		}
		peerID := e.TargetEntityID
		if peerID == entityID {
			peerID = e.SourceEntityID
		}
		peer, err := m.store.GetEntity(ctx, peerID)
		if err != nil {
			return nil, err
		}
		if peer == nil {
			continue
		}
		net.Neighbors = append(net.Neighbors, Neighbor{Edge: e, Entity: peer})
	}
	return net, nil
}
