package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/engramdb/engram/pkg/kv"
)

// DefaultSessionLimit bounds EventsBySession when the caller passes no
// limit.
const DefaultSessionLimit = 50

// SaveEvent persists a new event and its index entries atomically, then
// forwards the embedding (if any) to the ANN index. Missing ID, timestamp,
// and extraction status are filled in. Storage failure is returned to the
// caller; an index failure is logged and swallowed — the row is durable and
// the degraded search path still finds it.
func (s *Store) SaveEvent(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = NowNano()
	}
	if ev.ExtractionStatus == "" {
		ev.ExtractionStatus = ExtractionPending
	}
	if !ev.ExtractionStatus.valid() {
		return fmt.Errorf("store: save event %s: invalid extraction status %q", ev.ID, ev.ExtractionStatus)
	}

	row, err := rowEntry(eventKey(ev.ID), ev)
	if err != nil {
		return err
	}
	entries := []kv.Entry{
		row,
		indexEntry(eventSessionKey(ev.SessionKey, ev.Timestamp, ev.ID), ""),
	}
	if ev.ExtractionStatus == ExtractionPending {
		entries = append(entries, indexEntry(eventPendingKey(ev.Timestamp, ev.ID), ""))
	}
	if len(ev.Embedding) > 0 {
		entries = append(entries, indexEntry(eventEmbedKey(ev.Timestamp, ev.ID), ""))
	}
	if err := s.db.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("store: save event %s: %w", ev.ID, err)
	}

	if len(ev.Embedding) > 0 && s.idx != nil {
		if err := s.idx.Add(ev.ID, UnpackVector(ev.Embedding)); err != nil {
			s.log.Warn("event not indexed", "event", ev.ID, "error", err)
		}
	}
	return nil
}

// GetEvent returns one event, or nil if absent.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	return getRow[Event](ctx, s, eventKey(id))
}

// EventsBySession returns events for a session key, newest first. limit <= 0
// selects DefaultSessionLimit; offset skips that many newest events.
func (s *Store) EventsBySession(ctx context.Context, session string, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	events := make([]*Event, 0, limit)
	skipped := 0
	for entry, err := range s.db.List(ctx, kv.Key{prefixEventSession, session}) {
		if err != nil {
			return nil, fmt.Errorf("store: session scan %q: %w", session, err)
		}
		if skipped < offset {
			skipped++
			continue
		}
		ev, err := s.GetEvent(ctx, lastSegment(entry.Key))
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		events = append(events, ev)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// PendingEvents returns up to limit events awaiting extraction, oldest
// first. Index entries whose row is gone or no longer pending are cleaned
// up in passing.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	var events []*Event
	var stale []kv.Key
	for entry, err := range s.db.List(ctx, kv.Key{prefixEventPending}) {
		if err != nil {
			return nil, fmt.Errorf("store: pending scan: %w", err)
		}
		ev, err := s.GetEvent(ctx, lastSegment(entry.Key))
		if err != nil {
			return nil, err
		}
		if ev == nil || ev.ExtractionStatus != ExtractionPending {
			stale = append(stale, entry.Key)
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	if len(stale) > 0 {
		if err := s.db.BatchDelete(ctx, stale); err != nil {
			s.log.Warn("stale pending entries not cleaned", "count", len(stale), "error", err)
		}
	}
	return events, nil
}

// PendingCount returns the size of the extraction queue.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.db.Count(ctx, kv.Key{prefixEventPending})
}

// SessionEventCount returns how many events a session holds, without
// loading any rows.
func (s *Store) SessionEventCount(ctx context.Context, session string) (int, error) {
	return s.db.Count(ctx, kv.Key{prefixEventSession, session})
}

// MarkEventExtracted moves an event out of the pending state. status must
// be complete, skipped, or failed. Marking an event already in the target
// state is a no-op. The row is updated before the queue entry is removed,
// so a crash between the two leaves only a stale queue entry, which
// PendingEvents discards.
func (s *Store) MarkEventExtracted(ctx context.Context, id string, status ExtractionStatus) error {
	switch status {
	case ExtractionComplete, ExtractionSkipped, ExtractionFailed:
	default:
		return fmt.Errorf("store: mark extracted %s: invalid target status %q", id, status)
	}
	ev, err := s.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if ev == nil {
		return fmt.Errorf("store: mark extracted %s: %w", id, ErrMissingRecord)
	}
	if ev.ExtractionStatus == status {
		return nil
	}

	wasPending := ev.ExtractionStatus == ExtractionPending
	ev.ExtractionStatus = status
	if err := s.putRow(ctx, eventKey(id), ev); err != nil {
		return err
	}
	if wasPending {
		if err := s.db.Delete(ctx, eventPendingKey(ev.Timestamp, id)); err != nil {
			return fmt.Errorf("store: mark extracted %s: dequeue: %w", id, err)
		}
	}
	return nil
}

// DeleteEvent removes an event row, its index entries, and its vector.
// The vector index only tombstones the slot; compaction reclaims it later.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	ev, err := s.GetEvent(ctx, id)
	if err != nil || ev == nil {
		return err
	}
	keys := []kv.Key{
		eventKey(id),
		eventSessionKey(ev.SessionKey, ev.Timestamp, id),
	}
	if ev.ExtractionStatus == ExtractionPending {
		keys = append(keys, eventPendingKey(ev.Timestamp, id))
	}
	if len(ev.Embedding) > 0 {
		keys = append(keys, eventEmbedKey(ev.Timestamp, id))
	}
	if err := s.db.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("store: delete event %s: %w", id, err)
	}
	if s.idx != nil {
		if err := s.idx.Delete(id); err != nil {
			s.log.Warn("event not removed from index", "event", id, "error", err)
		}
	}
	return nil
}

// TouchEvent records an access for relevance tracking: bumps the score and
// the last-accessed timestamp. Absent events are ignored.
func (s *Store) TouchEvent(ctx context.Context, id string) error {
	ev, err := s.GetEvent(ctx, id)
	if err != nil || ev == nil {
		return err
	}
	ev.RelevanceScore++
	ev.LastAccessed = NowNano()
	return s.putRow(ctx, eventKey(id), ev)
}
