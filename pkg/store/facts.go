package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// SaveFact persists a new fact and its subject index entry. Deduplication
// against existing facts is the graph manager's job; the store writes what
// it is given.
func (s *Store) SaveFact(ctx context.Context, f *Fact) error {
	if f.SubjectEntityID == "" {
		return fmt.Errorf("store: save fact: missing subject")
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := NowNano()
	if f.FirstSeen == 0 {
		f.FirstSeen = now
	}
	if f.LastSeen == 0 {
		f.LastSeen = now
	}
	if f.EvidenceCount == 0 {
		f.EvidenceCount = 1
	}

	row, err := rowEntry(factKey(f.ID), f)
	if err != nil {
		return err
	}
	entries := []kv.Entry{
		row,
		indexEntry(factSubjectKey(f.SubjectEntityID, f.ID), ""),
	}
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: save fact %s: %w", f.ID, err)
	}
	return nil
}

// GetFact returns one fact, or nil if absent.
func (s *Store) GetFact(ctx context.Context, id string) (*Fact, error) {
	return getRow[Fact](ctx, s, factKey(id))
}

// UpdateFact rewrites a fact row in place. The subject is immutable except
// through the merge path, which re-indexes explicitly.
func (s *Store) UpdateFact(ctx context.Context, f *Fact) error {
	if f.ID == "" {
		return fmt.Errorf("store: update fact: empty id")
	}
	return s.putRow(ctx, factKey(f.ID), f)
}

// DeleteFact removes a fact row and its subject index entry.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	f, err := s.GetFact(ctx, id)
	if err != nil || f == nil {
		return err
	}
	keys := []kv.Key{factKey(id), factSubjectKey(f.SubjectEntityID, id)}
	if err := s.db.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("store: delete fact %s: %w", id, err)
	}
	return nil
}

// FactsBySubject returns every fact asserted about an entity.
func (s *Store) FactsBySubject(ctx context.Context, entityID string) ([]*Fact, error) {
	ids, err := s.collectIDs(ctx, kv.Key{prefixFactSubject, entityID}, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Fact, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFact(ctx, id)
		if err != nil {
			return nil, err
		}
		if f != nil {
			out = append(out, f)
		}
	}
	return out, nil
}
