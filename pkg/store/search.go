package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/vecindex"
)

// fallbackScanLimit bounds the degraded search path: when the ANN index is
// unavailable, only the most recent embedded events are scanned.
const fallbackScanLimit = 1000

// EventMatch pairs a hydrated event with its query similarity.
type EventMatch struct {
	Event      *Event
	Similarity float32
}

// SearchEvents finds events semantically close to the query vector, best
// first. sessionKey restricts results to one session when non-empty;
// matches below threshold are dropped. The ANN index answers first; if it
// is absent or fails, a brute-force scan over the most recent embedded
// events answers instead — both paths rank with the same distance routine.
func (s *Store) SearchEvents(ctx context.Context, query []float32, sessionKey string, limit int, threshold float64) ([]EventMatch, error) {
	if limit <= 0 {
		limit = 10
	}

	var matches []vecindex.Match
	if s.idx != nil {
		var err error
		// Over-fetch: session and threshold filtering happens after the
		// index answers, so ask for more than we will keep.
		matches, err = s.idx.Search(query, 2*limit, nil)
		if err != nil {
			if errors.Is(err, vecindex.ErrDimension) {
				return nil, fmt.Errorf("store: search events: %w", err)
			}
			s.log.Warn("index search failed, falling back to scan", "error", err)
			matches = nil
		}
	}
	if matches == nil {
		var err error
		matches, err = s.scanSearch(ctx, query, 2*limit)
		if err != nil {
			return nil, err
		}
	}

	out := make([]EventMatch, 0, limit)
	for _, m := range matches {
		if float64(m.Similarity) < threshold {
			break // descending order: nothing later passes either
		}
		ev, err := s.GetEvent(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue // index lag after deletion
		}
		if sessionKey != "" && ev.SessionKey != sessionKey {
			continue
		}
		out = append(out, EventMatch{Event: ev, Similarity: m.Similarity})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchEventsByText embeds the query text and searches with the result.
func (s *Store) SearchEventsByText(ctx context.Context, text, sessionKey string, limit int, threshold float64) ([]EventMatch, error) {
	if s.emb == nil {
		return nil, fmt.Errorf("store: search by text: no embedder configured")
	}
	query, err := s.emb.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("store: search by text: %w", err)
	}
	return s.SearchEvents(ctx, query, sessionKey, limit, threshold)
}

// EmbeddedVectors iterates (eventID, vector) pairs for every event that
// carries an embedding, newest first. This feeds index rebuilds; scan
// errors are logged and end the iteration, since a rebuild from a partial
// set is still a valid index.
func (s *Store) EmbeddedVectors(ctx context.Context) iter.Seq2[string, []float32] {
	return func(yield func(string, []float32) bool) {
		for entry, err := range s.db.List(ctx, kv.Key{prefixEventEmbed}) {
			if err != nil {
				s.log.Warn("embedded vector scan aborted", "error", err)
				return
			}
			id := lastSegment(entry.Key)
			ev, err := s.GetEvent(ctx, id)
			if err != nil {
				s.log.Warn("embedded vector scan aborted", "event", id, "error", err)
				return
			}
			if ev == nil || len(ev.Embedding) == 0 {
				continue
			}
			if !yield(id, UnpackVector(ev.Embedding)) {
				return
			}
		}
	}
}

// scanSearch is the degraded path: load the newest embedded events into a
// throwaway brute-force index and query that. Insertion order is newest
// first, which also fixes tie ordering.
func (s *Store) scanSearch(ctx context.Context, query []float32, k int) ([]vecindex.Match, error) {
	flat := vecindex.NewFlat(len(query))
	n := 0
	for entry, err := range s.db.List(ctx, kv.Key{prefixEventEmbed}) {
		if err != nil {
			return nil, fmt.Errorf("store: embed scan: %w", err)
		}
		id := lastSegment(entry.Key)
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if ev == nil || len(ev.Embedding) == 0 {
			continue
		}
		vec := UnpackVector(ev.Embedding)
		if len(vec) != len(query) {
			continue
		}
		if err := flat.Add(id, vec); err != nil {
			continue
		}
		n++
		if n >= fallbackScanLimit {
			break
		}
	}
	matches, err := flat.Search(query, k, nil)
	if err != nil {
		return nil, fmt.Errorf("store: fallback search: %w", err)
	}
	return matches, nil
}
