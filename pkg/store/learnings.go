package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// SaveLearning persists a new learning. A zero relevance score starts
// at 1.0, the decay ceiling.
func (s *Store) SaveLearning(ctx context.Context, l *Learning) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt == 0 {
		l.CreatedAt = NowNano()
	}
	if l.RelevanceScore == 0 {
		l.RelevanceScore = 1.0
	}
	return s.putRow(ctx, learningKey(l.ID), l)
}

// GetLearning returns one learning, or nil if absent.
func (s *Store) GetLearning(ctx context.Context, id string) (*Learning, error) {
	return getRow[Learning](ctx, s, learningKey(id))
}

// UpdateLearning rewrites a learning row in place.
func (s *Store) UpdateLearning(ctx context.Context, l *Learning) error {
	if l.ID == "" {
		return fmt.Errorf("store: update learning: empty id")
	}
	return s.putRow(ctx, learningKey(l.ID), l)
}

// DeleteLearning removes a learning row.
func (s *Store) DeleteLearning(ctx context.Context, id string) error {
	if err := s.db.Delete(ctx, learningKey(id)); err != nil {
		return fmt.Errorf("store: delete learning %s: %w", id, err)
	}
	return nil
}

// Learnings returns every learning row. Callers filter and rank; the
// population stays small by design of the decay task.
func (s *Store) Learnings(ctx context.Context) ([]*Learning, error) {
	var out []*Learning
	for entry, err := range s.db.List(ctx, kv.Key{prefixLearning}) {
		if err != nil {
			return nil, fmt.Errorf("store: learning scan: %w", err)
		}
		l := new(Learning)
		if err := decodeInto(entry.Value, l); err != nil {
			return nil, fmt.Errorf("store: decode learning: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}
