package kgraph

import (
	"context"
	"fmt"
	"strings"

	"github.com/engramdb/engram/pkg/store"
)

// RecordFact stores a fact about an entity, deduplicating against what is
// already known. A new fact is folded into an existing one when the subject
// and predicate match and the objects are either identical or, for objects
// long enough to compare meaningfully, restatements by word overlap.
// Folding bumps evidence, raises confidence to the higher of the two, and
// widens the validity window; it never lowers confidence or narrows the
// window. The returned bool reports whether a new fact row was created.
func (m *Manager) RecordFact(ctx context.Context, f *store.Fact, sourceEventID string) (*store.Fact, bool, error) {
	if f.SubjectEntityID == "" {
		return nil, false, fmt.Errorf("kgraph: record fact: missing subject")
	}
	if sourceEventID != "" {
		f.SourceEventIDs = appendUnique(f.SourceEventIDs, sourceEventID)
	}

	existing, err := m.store.FactsBySubject(ctx, f.SubjectEntityID)
	if err != nil {
		return nil, false, err
	}
	for _, have := range existing {
		if have.Predicate != f.Predicate {
			continue
		}
		if !sameFactObject(have.ObjectText, f.ObjectText) {
			continue
		}
		have.EvidenceCount++
		have.Confidence = max(have.Confidence, f.Confidence)
		have.LastSeen = store.NowNano()
		have.SourceEventIDs = appendUnique(have.SourceEventIDs, f.SourceEventIDs...)
		if f.ValidFrom != 0 && (have.ValidFrom == 0 || f.ValidFrom < have.ValidFrom) {
			have.ValidFrom = f.ValidFrom
		}
		if f.ValidTo != 0 && f.ValidTo > have.ValidTo {
			have.ValidTo = f.ValidTo
		}
		if err := m.store.UpdateFact(ctx, have); err != nil {
			return nil, false, err
		}
		return have, false, nil
	}

	if err := m.store.SaveFact(ctx, f); err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// sameFactObject reports whether two fact objects state the same thing:
// exact match after normalization, or high word overlap when both are long
// enough that overlap is meaningful.
func sameFactObject(a, b string) bool {
	na := strings.ToLower(strings.TrimSpace(a))
	nb := strings.ToLower(strings.TrimSpace(b))
	if na == nb {
		return true
	}
	if len(na) <= factMinDedupLen || len(nb) <= factMinDedupLen {
		return false
	}
	return wordOverlap(na, nb) > factOverlapThreshold
}

// wordOverlap is the fraction of the smaller word set found in the larger.
func wordOverlap(a, b string) float64 {
	wa := strings.Fields(a)
	wb := strings.Fields(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	if len(wa) > len(wb) {
		wa, wb = wb, wa
	}
	set := make(map[string]bool, len(wb))
	for _, w := range wb {
		set[w] = true
	}
	hits := 0
	for _, w := range wa {
		if set[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(wa))
}
