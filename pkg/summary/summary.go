// Package summary maintains the hierarchical summary tree: pre-computed
// digests keyed by "root", "room:<session>", "entity:<id>", "topic:<name>",
// and "user_preferences". Writers only bump staleness counters on the nodes
// an event touches; the text itself is recomputed later, in idle time, from
// Record Store state. A summary is therefore always derivable — losing the
// whole tree costs freshness, never data.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/engramdb/engram/pkg/store"
)

const (
	// DefaultStaleThreshold is the staleness count at which a node
	// qualifies for refresh.
	DefaultStaleThreshold = 10

	// DefaultRefreshBatch caps nodes refreshed per maintenance pass.
	DefaultRefreshBatch = 20

	// charsPerToken is the estimation ratio used for token budgeting.
	charsPerToken = 4

	// recentEventsPerRoom bounds how many events feed a room digest.
	recentEventsPerRoom = 15

	// topEntitiesPerRoom bounds the entity names a room digest lists.
	topEntitiesPerRoom = 5

	// topFactsPerEntity bounds the facts an entity digest lists.
	topFactsPerEntity = 5

	// snippetLen truncates event content inside a digest.
	snippetLen = 80
)

// KeyRoot and KeyPreferences are the two singleton tree keys; room, entity,
// and topic nodes derive their keys with [RoomKey], [EntityKey], [TopicKey].
const (
	KeyRoot        = "root"
	KeyPreferences = "user_preferences"
)

func RoomKey(session string) string { return "room:" + session }
func EntityKey(id string) string    { return "entity:" + id }
func TopicKey(name string) string   { return "topic:" + name }

// Tree manages summary nodes over the Record Store.
type Tree struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a summary tree manager.
func New(s *store.Store, logger *slog.Logger) *Tree {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tree{store: s, log: logger}
}

// nodeTypeForKey infers the node type from a tree key.
func nodeTypeForKey(key string) string {
	switch {
	case key == KeyRoot:
		return store.NodeRoot
	case key == KeyPreferences:
		return store.NodePreferences
	case strings.HasPrefix(key, "room:"):
		return store.NodeRoom
	case strings.HasPrefix(key, "entity:"):
		return store.NodeEntity
	case strings.HasPrefix(key, "topic:"):
		return store.NodeTopic
	}
	return ""
}

// parentForKey returns the parent tree key; everything but the root hangs
// off the root.
func parentForKey(key string) string {
	if key == KeyRoot {
		return ""
	}
	return KeyRoot
}

// Touch bumps the staleness counter of each named node, creating missing
// nodes with an empty summary. This is the only summary work done on the
// write path, so it must stay cheap.
func (t *Tree) Touch(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		typ := nodeTypeForKey(key)
		if typ == "" {
			return fmt.Errorf("summary: touch: unrecognized key %q", key)
		}
		n, err := t.store.GetSummaryNode(ctx, key)
		if err != nil {
			return err
		}
		if n == nil {
			n = &store.SummaryNode{NodeType: typ, Key: key, ParentID: parentForKey(key)}
		}
		n.EventsSinceUpdate++
		if err := t.store.SaveSummaryNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// StaleNodes returns nodes whose staleness counter has reached threshold,
// most stale first, capped at batch. Zero arguments select the defaults.
func (t *Tree) StaleNodes(ctx context.Context, threshold, batch int) ([]*store.SummaryNode, error) {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if batch <= 0 {
		batch = DefaultRefreshBatch
	}
	nodes, err := t.store.SummaryNodes(ctx)
	if err != nil {
		return nil, err
	}
	stale := nodes[:0]
	for _, n := range nodes {
		if n.EventsSinceUpdate >= threshold {
			stale = append(stale, n)
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		return stale[i].EventsSinceUpdate > stale[j].EventsSinceUpdate
	})
	if len(stale) > batch {
		stale = stale[:batch]
	}
	return stale, nil
}

// RefreshNode recomputes one node's summary from current store state and
// resets its staleness counter. The text is deterministic: same store
// state, same summary.
func (t *Tree) RefreshNode(ctx context.Context, key string) error {
	typ := nodeTypeForKey(key)
	if typ == "" {
		return fmt.Errorf("summary: refresh: unrecognized key %q", key)
	}

	var text string
	var err error
	switch typ {
	case store.NodeRoot:
		text, err = t.rootSummary(ctx)
	case store.NodeRoom:
		text, err = t.roomSummary(ctx, strings.TrimPrefix(key, "room:"))
	case store.NodeEntity:
		text, err = t.entitySummary(ctx, strings.TrimPrefix(key, "entity:"))
	case store.NodeTopic:
		text, err = t.topicSummary(ctx, strings.TrimPrefix(key, "topic:"))
	case store.NodePreferences:
		text, err = t.preferencesSummary(ctx)
	}
	if err != nil {
		return fmt.Errorf("summary: refresh %q: %w", key, err)
	}

	n, err := t.store.GetSummaryNode(ctx, key)
	if err != nil {
		return err
	}
	if n == nil {
		n = &store.SummaryNode{NodeType: typ, Key: key, ParentID: parentForKey(key)}
	}
	n.Summary = text
	n.EventsSinceUpdate = 0
	n.LastUpdated = store.NowNano()
	return t.store.SaveSummaryNode(ctx, n)
}

// RefreshStale refreshes every stale node. One node failing does not stop
// the pass: the error is logged and the node keeps its staleness for the
// next round. Cancellation is honored between nodes. Returns the number of
// nodes refreshed.
func (t *Tree) RefreshStale(ctx context.Context, threshold, batch int) (int, error) {
	stale, err := t.StaleNodes(ctx, threshold, batch)
	if err != nil {
		return 0, err
	}
	refreshed := 0
	for _, n := range stale {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if err := t.RefreshNode(ctx, n.Key); err != nil {
			t.log.Warn("summary refresh failed", "key", n.Key, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}
