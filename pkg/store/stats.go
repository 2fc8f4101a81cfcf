package store

import (
	"context"
	"fmt"

	"github.com/engramdb/engram/pkg/kv"
)

// Stats holds record counts per kind, for diagnostics and the CLI.
type Stats struct {
	Events             int `json:"events"`
	Entities           int `json:"entities"`
	Edges              int `json:"edges"`
	Facts              int `json:"facts"`
	SummaryNodes       int `json:"summary_nodes"`
	Learnings          int `json:"learnings"`
	PendingExtractions int `json:"pending_extractions"`
	IndexedVectors     int `json:"indexed_vectors"`
}

// Stats counts records of every kind. Counts come from key-only scans, so
// no row is loaded.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	for _, c := range []struct {
		prefix string
		out    *int
	}{
		{prefixEvent, &st.Events},
		{prefixEntity, &st.Entities},
		{prefixEdge, &st.Edges},
		{prefixFact, &st.Facts},
		{prefixSummary, &st.SummaryNodes},
		{prefixLearning, &st.Learnings},
		{prefixEventPending, &st.PendingExtractions},
	} {
		n, err := s.db.Count(ctx, kv.Key{c.prefix})
		if err != nil {
			return nil, fmt.Errorf("store: count %s: %w", c.prefix, err)
		}
		*c.out = n
	}
	if s.idx != nil {
		st.IndexedVectors = s.idx.Len()
	}
	return &st, nil
}
