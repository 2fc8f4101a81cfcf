package maintain

import (
	"context"

	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
)

// drainExtractions pulls a batch off the pending queue and runs each event
// through the extractor. The extractor itself runs without the write lock
// (it may take seconds against a model); only applying its output takes the
// lock. One event failing marks that event failed and continues — the queue
// must keep moving. Cancellation is honored between events.
func (l *Loop) drainExtractions(ctx context.Context) error {
	if l.extractor == nil {
		return nil
	}
	pending, err := l.store.PendingEvents(ctx, l.cfg.ExtractBatch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// One resolution cache per cycle: events in a batch usually mention
	// the same few names, and resolving each once keeps a batch from
	// creating duplicates mid-flight.
	resolved := make(map[string]string)

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		ex, err := l.extractor.Extract(ctx, ev)
		if err != nil {
			l.log.Warn("extraction failed", "event", ev.ID, "error", err)
			if merr := l.store.MarkEventExtracted(ctx, ev.ID, store.ExtractionFailed); merr != nil {
				return merr
			}
			continue
		}
		if ex == nil || ex.Skip {
			if err := l.store.MarkEventExtracted(ctx, ev.ID, store.ExtractionSkipped); err != nil {
				return err
			}
			continue
		}

		l.mu.Lock()
		err = l.applyExtraction(ctx, ev, ex, resolved)
		l.mu.Unlock()
		if err != nil {
			l.log.Warn("extraction not applied", "event", ev.ID, "error", err)
			if merr := l.store.MarkEventExtracted(ctx, ev.ID, store.ExtractionFailed); merr != nil {
				return merr
			}
			continue
		}
		if err := l.store.MarkEventExtracted(ctx, ev.ID, store.ExtractionComplete); err != nil {
			return err
		}
	}
	return nil
}

// applyExtraction writes one extraction into the graph and bumps the
// summary nodes it touches. Must hold the write lock.
func (l *Loop) applyExtraction(ctx context.Context, ev *store.Event, ex *Extraction, resolved map[string]string) error {
	resolve := func(m ExtractedEntity) (string, error) {
		key := m.Type + "\x00" + store.NormalizeName(m.Name)
		if id, ok := resolved[key]; ok {
			return id, nil
		}
		ent, _, err := l.graph.ResolveEntity(ctx, m.Name, m.Type, ev.ID)
		if err != nil {
			return "", err
		}
		resolved[key] = ent.ID
		return ent.ID, nil
	}

	touched := make(map[string]bool)
	for _, m := range ex.Entities {
		id, err := resolve(m)
		if err != nil {
			return err
		}
		touched[id] = true
	}
	for _, e := range ex.Edges {
		srcID, err := resolve(e.Source)
		if err != nil {
			return err
		}
		tgtID, err := resolve(e.Target)
		if err != nil {
			return err
		}
		if srcID == tgtID {
			continue // mentions collapsed to one entity
		}
		if _, err := l.graph.RecordEdge(ctx, srcID, tgtID, e.Relation, e.RelType, e.Confidence, ev.ID); err != nil {
			return err
		}
		touched[srcID] = true
		touched[tgtID] = true
	}
	for _, f := range ex.Facts {
		subjID, err := resolve(f.Subject)
		if err != nil {
			return err
		}
		fact := &store.Fact{
			SubjectEntityID: subjID,
			Predicate:       f.Predicate,
			ObjectText:      f.Object,
			Confidence:      f.Confidence,
		}
		if _, _, err := l.graph.RecordFact(ctx, fact, ev.ID); err != nil {
			return err
		}
		touched[subjID] = true
	}
	for _, learning := range ex.Learnings {
		if err := l.store.SaveLearning(ctx, learning); err != nil {
			return err
		}
	}

	keys := []string{summary.KeyRoot}
	if ev.SessionKey != "" {
		keys = append(keys, summary.RoomKey(ev.SessionKey))
	}
	for id := range touched {
		keys = append(keys, summary.EntityKey(id))
	}
	if len(ex.Learnings) > 0 {
		keys = append(keys, summary.KeyPreferences)
	}
	return l.tree.Touch(ctx, keys...)
}
