package engine

import (
	"context"

	"github.com/engramdb/engram/pkg/assemble"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
)

// Record ingests one event: embeds its content, persists it, and bumps the
// staleness of the summaries it touches. The event is queued for knowledge
// extraction, which happens later in idle time. An embedding failure is
// logged and the event saved without a vector — losing searchability beats
// losing the event.
func (e *Engine) Record(ctx context.Context, ev *store.Event) error {
	e.activity.Mark()

	if e.emb != nil && ev.Content != "" && len(ev.Embedding) == 0 {
		vec, err := e.emb.Embed(ctx, ev.Content)
		if err != nil {
			e.log.Warn("event not embedded", "error", err)
		} else {
			ev.Embedding = store.PackVector(vec)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SaveEvent(ctx, ev); err != nil {
		return err
	}
	keys := []string{summary.KeyRoot}
	if ev.SessionKey != "" {
		keys = append(keys, summary.RoomKey(ev.SessionKey))
	}
	if err := e.tree.Touch(ctx, keys...); err != nil {
		// The event is durable; a missed staleness bump only delays a
		// summary refresh.
		e.log.Warn("summary staleness not bumped", "error", err)
	}
	return nil
}

// Search finds events semantically similar to the query text and records
// the access on each surfaced event, feeding the relevance signal the
// learning decay and entity ranking read later.
func (e *Engine) Search(ctx context.Context, query, sessionKey string, limit int, threshold float64) ([]store.EventMatch, error) {
	e.activity.Mark()
	matches, err := e.store.SearchEventsByText(ctx, query, sessionKey, limit, threshold)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range matches {
		if err := e.store.TouchEvent(ctx, m.Event.ID); err != nil {
			e.log.Warn("access not recorded", "event", m.Event.ID, "error", err)
		}
	}
	return matches, nil
}

// History returns a session's events, newest first.
func (e *Engine) History(ctx context.Context, sessionKey string, limit, offset int) ([]*store.Event, error) {
	e.activity.Mark()
	return e.store.EventsBySession(ctx, sessionKey, limit, offset)
}

// Context assembles the token-budgeted context block for one turn.
func (e *Engine) Context(ctx context.Context, req assemble.Request) (string, error) {
	e.activity.Mark()
	return e.asm.Assemble(ctx, req)
}

// Stats reports record counts across the engine.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.Stats(ctx)
}

// Flush runs one maintenance cycle synchronously and persists the vector
// index. Use it before shutdown or in tests to force the derived state to
// catch up with the event log.
func (e *Engine) Flush(ctx context.Context) error {
	e.loop.RunCycle(ctx)
	return e.idx.SaveFile(e.indexPath)
}

// RebuildIndex recreates the vector index from stored embeddings,
// reclaiming tombstoned slots regardless of the automatic thresholds.
func (e *Engine) RebuildIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx.Rebuild(e.store.EmbeddedVectors(ctx))
}
