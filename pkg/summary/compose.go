package summary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/engramdb/engram/pkg/store"
)

// Digest composition. All of these read only the Record Store and produce
// plain text; no model is involved, so refreshing is cheap enough to run
// on every maintenance pass.

func (t *Tree) rootSummary(ctx context.Context) (string, error) {
	st, err := t.store.Stats(ctx)
	if err != nil {
		return "", err
	}
	nodes, err := t.store.SummaryNodes(ctx)
	if err != nil {
		return "", err
	}
	var rooms []string
	for _, n := range nodes {
		if n.NodeType == store.NodeRoom {
			rooms = append(rooms, strings.TrimPrefix(n.Key, "room:"))
		}
	}
	sort.Strings(rooms)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d events, %d entities, %d facts, %d learnings.",
		st.Events, st.Entities, st.Facts, st.Learnings)
	if len(rooms) > 0 {
		fmt.Fprintf(&sb, " Active sessions: %s.", strings.Join(rooms, ", "))
	}
	return sb.String(), nil
}

func (t *Tree) roomSummary(ctx context.Context, session string) (string, error) {
	events, err := t.store.EventsBySession(ctx, session, recentEventsPerRoom, 0)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", nil
	}
	total, err := t.store.SessionEventCount(ctx, session)
	if err != nil {
		return "", err
	}
	entities, err := t.roomEntities(ctx, events)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d events, %d entities.", session, total, len(entities))
	if len(entities) > topEntitiesPerRoom {
		entities = entities[:topEntitiesPerRoom]
	}
	if len(entities) > 0 {
		names := make([]string, len(entities))
		for i, ent := range entities {
			names[i] = ent.Name
		}
		fmt.Fprintf(&sb, " Key entities: %s.", strings.Join(names, ", "))
	}
	sb.WriteString("\nRecent activity:")
	for _, ev := range events {
		sb.WriteString("\n- ")
		sb.WriteString(snippet(ev.Content, snippetLen))
	}
	return sb.String(), nil
}

// roomEntities returns the entities sourced from the given events, most
// mentioned first.
func (t *Tree) roomEntities(ctx context.Context, events []*store.Event) ([]*store.Entity, error) {
	ids := make(map[string]bool, len(events))
	for _, ev := range events {
		ids[ev.ID] = true
	}
	all, err := t.store.Entities(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []*store.Entity
	for _, ent := range all {
		for _, src := range ent.SourceEventIDs {
			if ids[src] {
				out = append(out, ent)
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EventCount != out[j].EventCount {
			return out[i].EventCount > out[j].EventCount
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (t *Tree) entitySummary(ctx context.Context, entityID string) (string, error) {
	ent, err := t.store.GetEntity(ctx, entityID)
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s, %d mentions)", ent.Name, ent.Type, ent.EventCount)
	if ent.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(ent.Description)
	}
	if len(ent.Aliases) > 0 {
		fmt.Fprintf(&sb, "\nAlso known as: %s.", strings.Join(ent.Aliases, ", "))
	}

	facts, err := t.store.FactsBySubject(ctx, entityID)
	if err != nil {
		return "", err
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Confidence != facts[j].Confidence {
			return facts[i].Confidence > facts[j].Confidence
		}
		return facts[i].ID < facts[j].ID
	})
	if len(facts) > topFactsPerEntity {
		facts = facts[:topFactsPerEntity]
	}
	for _, f := range facts {
		fmt.Fprintf(&sb, "\n- %s %s", f.Predicate, snippet(f.ObjectText, snippetLen))
	}

	edges, err := t.store.EdgesByEntity(ctx, entityID)
	if err != nil {
		return "", err
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Strength != edges[j].Strength {
			return edges[i].Strength > edges[j].Strength
		}
		return edges[i].ID < edges[j].ID
	})
	var links []string
	for _, e := range edges {
		peerID := e.TargetEntityID
		if peerID == entityID {
			peerID = e.SourceEntityID
		}
		peer, err := t.store.GetEntity(ctx, peerID)
		if err != nil {
			return "", err
		}
		if peer == nil {
			continue
		}
		links = append(links, fmt.Sprintf("%s (%s)", peer.Name, e.RelationType))
	}
	if len(links) > 0 {
		fmt.Fprintf(&sb, "\nConnected to: %s.", strings.Join(links, ", "))
	}
	return sb.String(), nil
}

func (t *Tree) topicSummary(ctx context.Context, name string) (string, error) {
	// Topics resolve through the entity layer: a topic node digests the
	// concept entity of the same name, if one exists.
	ent, err := t.store.FindEntityByName(ctx, "concept", name)
	if err != nil {
		return "", err
	}
	if ent == nil {
		return "", nil
	}
	return t.entitySummary(ctx, ent.ID)
}

func (t *Tree) preferencesSummary(ctx context.Context) (string, error) {
	learnings, err := t.store.Learnings(ctx)
	if err != nil {
		return "", err
	}
	live := learnings[:0]
	for _, l := range learnings {
		if l.SupersededBy == "" && l.RelevanceScore > 0 {
			live = append(live, l)
		}
	}
	if len(live) == 0 {
		return "", nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].RelevanceScore != live[j].RelevanceScore {
			return live[i].RelevanceScore > live[j].RelevanceScore
		}
		return live[i].ID < live[j].ID
	})
	if len(live) > 10 {
		live = live[:10]
	}
	var sb strings.Builder
	sb.WriteString("Known preferences and patterns:")
	for _, l := range live {
		sb.WriteString("\n- ")
		sb.WriteString(snippet(l.Content, snippetLen))
	}
	return sb.String(), nil
}

// ContextSummary composes the layered digest for one conversational
// moment: root overview, the session's room, up to five entity digests,
// and preferences, clipped to a token budget. Empty layers are skipped.
func (t *Tree) ContextSummary(ctx context.Context, session string, entityIDs []string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	keys := []string{KeyRoot}
	if session != "" {
		keys = append(keys, RoomKey(session))
	}
	if len(entityIDs) > 5 {
		entityIDs = entityIDs[:5]
	}
	for _, id := range entityIDs {
		keys = append(keys, EntityKey(id))
	}
	keys = append(keys, KeyPreferences)

	var parts []string
	for _, key := range keys {
		n, err := t.store.GetSummaryNode(ctx, key)
		if err != nil {
			return "", err
		}
		if n == nil || n.Summary == "" {
			continue
		}
		parts = append(parts, n.Summary)
	}
	return snippet(strings.Join(parts, "\n\n"), maxTokens*charsPerToken), nil
}

// snippet truncates s to at most n bytes, appending an ellipsis when
// something was cut. The cut never splits a UTF-8 sequence.
func snippet(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	const ellipsis = "..."
	if n <= len(ellipsis) {
		return trimToRune(s, n)
	}
	return trimToRune(s, n-len(ellipsis)) + ellipsis
}

// trimToRune cuts s to at most n bytes, backing up to a rune boundary.
func trimToRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
