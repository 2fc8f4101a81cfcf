package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// SaveEntity persists a new entity and its name/alias index entries. ID and
// timestamps are filled in when missing.
func (s *Store) SaveEntity(ctx context.Context, ent *Entity) error {
	if ent.ID == "" {
		ent.ID = uuid.NewString()
	}
	now := NowNano()
	if ent.FirstSeen == 0 {
		ent.FirstSeen = now
	}
	if ent.LastSeen == 0 {
		ent.LastSeen = now
	}
	if ent.EventCount == 0 {
		ent.EventCount = len(ent.SourceEventIDs)
	}

	row, err := rowEntry(entityKey(ent.ID), ent)
	if err != nil {
		return err
	}
	entries := append([]kv.Entry{row}, entityNameEntries(ent)...)
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: save entity %s: %w", ent.ID, err)
	}
	return nil
}

// entityNameEntries builds the name-index entries for an entity's name and
// all aliases.
func entityNameEntries(ent *Entity) []kv.Entry {
	entries := []kv.Entry{
		indexEntry(entityNameKey(ent.Type, NormalizeName(ent.Name)), ent.ID),
	}
	for _, alias := range ent.Aliases {
		entries = append(entries, indexEntry(entityNameKey(ent.Type, NormalizeName(alias)), ent.ID))
	}
	return entries
}

// entityNameKeys lists the name-index keys owned by an entity.
func entityNameKeys(ent *Entity) []kv.Key {
	keys := []kv.Key{entityNameKey(ent.Type, NormalizeName(ent.Name))}
	for _, alias := range ent.Aliases {
		keys = append(keys, entityNameKey(ent.Type, NormalizeName(alias)))
	}
	return keys
}

// GetEntity returns one entity, or nil if absent.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	return getRow[Entity](ctx, s, entityKey(id))
}

// FindEntityByName looks up an entity by type and exact normalized name or
// alias. Returns nil when no entity owns the name.
func (s *Store) FindEntityByName(ctx context.Context, typ, name string) (*Entity, error) {
	raw, err := s.db.Get(ctx, entityNameKey(typ, NormalizeName(name)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: entity name lookup %q/%q: %w", typ, name, err)
	}
	ent, err := s.GetEntity(ctx, string(raw))
	if err != nil {
		return nil, err
	}
	if ent == nil {
		// Dangling name index, e.g. after a partial merge. Self-heal.
		if derr := s.db.Delete(ctx, entityNameKey(typ, NormalizeName(name))); derr != nil {
			s.log.Warn("dangling name index not cleaned", "type", typ, "name", name, "error", derr)
		}
	}
	return ent, nil
}

// UpdateEntity rewrites an entity row and reconciles its name index:
// entries for names the entity no longer carries are dropped, new ones are
// written. The caller must have loaded the entity through this store.
func (s *Store) UpdateEntity(ctx context.Context, ent *Entity) error {
	if ent.ID == "" {
		return fmt.Errorf("store: update entity: empty id")
	}
	prev, err := s.GetEntity(ctx, ent.ID)
	if err != nil {
		return err
	}
	if prev == nil {
		return fmt.Errorf("store: update entity %s: %w", ent.ID, ErrMissingRecord)
	}

	var drop []kv.Key
	next := make(map[string]bool)
	for _, k := range entityNameKeys(ent) {
		next[k.String()] = true
	}
	for _, k := range entityNameKeys(prev) {
		if !next[k.String()] {
			drop = append(drop, k)
		}
	}

	row, err := rowEntry(entityKey(ent.ID), ent)
	if err != nil {
		return err
	}
	entries := append([]kv.Entry{row}, entityNameEntries(ent)...)
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: update entity %s: %w", ent.ID, err)
	}
	if len(drop) > 0 {
		if err := s.db.BatchDelete(ctx, drop); err != nil {
			return fmt.Errorf("store: update entity %s: drop names: %w", ent.ID, err)
		}
	}
	return nil
}

// DeleteEntity removes an entity row and its name index entries. Edges and
// facts referencing it are the graph manager's responsibility.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	ent, err := s.GetEntity(ctx, id)
	if err != nil || ent == nil {
		return err
	}
	keys := append(entityNameKeys(ent), entityKey(id))
	if err := s.db.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("store: delete entity %s: %w", id, err)
	}
	return nil
}

// Entities iterates all entity rows. typ narrows the result to one entity
// type when non-empty.
func (s *Store) Entities(ctx context.Context, typ string) ([]*Entity, error) {
	var out []*Entity
	for entry, err := range s.db.List(ctx, kv.Key{prefixEntity}) {
		if err != nil {
			return nil, fmt.Errorf("store: entity scan: %w", err)
		}
		ent, err := decodeEntity(entry.Value)
		if err != nil {
			return nil, err
		}
		if typ != "" && ent.Type != typ {
			continue
		}
		out = append(out, ent)
	}
	return out, nil
}

func decodeEntity(raw []byte) (*Entity, error) {
	ent := new(Entity)
	if err := decodeInto(raw, ent); err != nil {
		return nil, fmt.Errorf("store: decode entity: %w", err)
	}
	return ent, nil
}
