package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
)

const (
	// maxEntities bounds the entity-digest section.
	maxEntities = 5

	// maxRecentEvents bounds the recent-conversation section.
	maxRecentEvents = 10

	// maxLearnings bounds the learnings section.
	maxLearnings = 5

	// eventSnippetLen truncates one event inside the context block.
	eventSnippetLen = 100

	// recencyWindow is how fresh an entity's last sighting must be to
	// double its relevance score.
	recencyWindow = 7 * 24 * time.Hour
)

// Request describes one assembly call.
type Request struct {
	// RoomID scopes the room summary and the recent-conversation section.
	RoomID string

	// Channel is the conversation surface the block is assembled for.
	Channel string

	// Identity is the host-provided persona text, rendered verbatim under
	// its own budget. Empty omits the section.
	Identity string

	// State is the host-provided situational text. Empty omits the section.
	State string

	// EntityIDs selects the entities to digest. Empty falls back to the
	// engine's own relevance ranking.
	EntityIDs []string

	// RecentEventIDs selects the events for the recent section. Empty falls
	// back to the room's newest events.
	RecentEventIDs []string

	// IncludePreferences adds the preferences digest.
	IncludePreferences bool

	// Budget allocates tokens. The zero value selects defaults.
	Budget Budget
}

// Assembler composes the context block from the store and the summary
// tree's cached nodes.
type Assembler struct {
	store *store.Store
	log   *slog.Logger
}

// New creates an assembler.
func New(s *store.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: s, log: logger}
}

// Assemble builds the context block. Sections appear in fixed order —
// identity, state, room, entities, preferences, learnings, recent
// conversation, knowledge — each under its own allowance, with the
// knowledge section absorbing whatever the earlier ones left unused.
// Empty sections are omitted entirely and the result never exceeds the
// validated total budget.
func (a *Assembler) Assemble(ctx context.Context, req Request) (string, error) {
	b := req.Budget
	b.Validate()

	var sections []string
	used := 0
	add := func(label, body string) {
		if body == "" {
			return
		}
		section := fmt.Sprintf("[%s]\n%s", label, body)
		sections = append(sections, section)
		used += tokens(section) + 1
	}

	add("Identity", clipTokens(req.Identity, b.Identity))
	add("State", clipTokens(req.State, b.State))

	if b.Room > 0 && req.RoomID != "" {
		node, err := a.store.GetSummaryNode(ctx, summary.RoomKey(req.RoomID))
		if err != nil {
			return "", err
		}
		if node != nil {
			add("Room", clipTokens(node.Summary, b.Room))
		}
	}

	entities, err := a.pickEntities(ctx, req)
	if err != nil {
		return "", err
	}
	if b.Entities > 0 {
		body, err := a.entitySection(ctx, entities, b.Entities)
		if err != nil {
			return "", err
		}
		add("Entities", body)
	}

	if req.IncludePreferences && b.Preferences > 0 {
		node, err := a.store.GetSummaryNode(ctx, summary.KeyPreferences)
		if err != nil {
			return "", err
		}
		if node != nil {
			add("Preferences", clipTokens(node.Summary, b.Preferences))
		}
	}

	if b.Learnings > 0 {
		body, err := a.learningsSection(ctx, b.Learnings)
		if err != nil {
			return "", err
		}
		add("Learnings", body)
	}

	if b.Recent > 0 {
		body, err := a.recentSection(ctx, req, b.Recent)
		if err != nil {
			return "", err
		}
		add("Recent conversation", body)
	}

	// The knowledge overview takes whatever headroom the earlier sections
	// left; a full block squeezes it down to nothing.
	if remaining := b.Total - used; remaining > 0 {
		node, err := a.store.GetSummaryNode(ctx, summary.KeyRoot)
		if err != nil {
			return "", err
		}
		if node != nil {
			add("Knowledge", clipTokens(node.Summary, remaining))
		}
	}

	out := strings.Join(sections, "\n\n")
	if tokens(out) > b.Total {
		out = trimToRune(out, b.Total*charsPerToken)
	}
	return out, nil
}

// pickEntities resolves the request's entity list, falling back to the
// relevance ranking when the host did not choose.
func (a *Assembler) pickEntities(ctx context.Context, req Request) ([]*store.Entity, error) {
	if len(req.EntityIDs) > 0 {
		var out []*store.Entity
		for _, id := range req.EntityIDs {
			ent, err := a.store.GetEntity(ctx, id)
			if err != nil {
				return nil, err
			}
			if ent == nil {
				// Stale reference, not an assembly failure.
				a.log.Debug("entity reference skipped", "id", id)
				continue
			}
			out = append(out, ent)
			if len(out) >= maxEntities {
				break
			}
		}
		return out, nil
	}
	return a.RelevantEntities(ctx, "", req.Channel, maxEntities)
}

// entitySection digests each entity: the cached tree summary when one
// exists, otherwise a one-line description fallback.
func (a *Assembler) entitySection(ctx context.Context, entities []*store.Entity, allowance int) (string, error) {
	var lines []string
	for _, ent := range entities {
		node, err := a.store.GetSummaryNode(ctx, summary.EntityKey(ent.ID))
		if err != nil {
			return "", err
		}
		if node != nil && node.Summary != "" {
			lines = append(lines, "- "+node.Summary)
			continue
		}
		line := fmt.Sprintf("- %s (%s)", ent.Name, ent.Type)
		if ent.Description != "" {
			line += ": " + ent.Description
		}
		lines = append(lines, line)
	}
	return fitLines(lines, allowance), nil
}

// learningsSection lists the strongest retained learnings.
func (a *Assembler) learningsSection(ctx context.Context, allowance int) (string, error) {
	learnings, err := a.store.Learnings(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(learnings, func(i, j int) bool {
		if learnings[i].RelevanceScore != learnings[j].RelevanceScore {
			return learnings[i].RelevanceScore > learnings[j].RelevanceScore
		}
		return learnings[i].ID < learnings[j].ID
	})
	if len(learnings) > maxLearnings {
		learnings = learnings[:maxLearnings]
	}
	var lines []string
	for _, l := range learnings {
		lines = append(lines, "- "+strings.TrimSpace(l.Content))
	}
	return fitLines(lines, allowance), nil
}

// recentSection lists the latest events, newest first: the explicitly
// requested ones when given, otherwise the room's own tail.
func (a *Assembler) recentSection(ctx context.Context, req Request, allowance int) (string, error) {
	var events []*store.Event
	if len(req.RecentEventIDs) > 0 {
		for _, id := range req.RecentEventIDs {
			ev, err := a.store.GetEvent(ctx, id)
			if err != nil {
				return "", err
			}
			if ev == nil {
				continue
			}
			events = append(events, ev)
			if len(events) >= maxRecentEvents {
				break
			}
		}
	} else if req.RoomID != "" {
		var err error
		events, err = a.store.EventsBySession(ctx, req.RoomID, maxRecentEvents, 0)
		if err != nil {
			return "", err
		}
	}
	return fitLines(eventLines(events), allowance), nil
}

// RelevantEntities ranks entities by attention: the score is the event
// count, doubled when the entity was seen within the recency window, and
// doubled again when the query mentions the entity by name or alias.
// channel is accepted for interface stability; entities carry no channel
// provenance yet.
func (a *Assembler) RelevantEntities(ctx context.Context, query, channel string, limit int) ([]*store.Entity, error) {
	entities, err := a.store.Entities(ctx, "")
	if err != nil {
		return nil, err
	}
	normQuery := store.NormalizeName(query)
	cutoff := time.Now().Add(-recencyWindow).UnixNano()
	score := func(ent *store.Entity) int {
		s := ent.EventCount
		if ent.LastSeen >= cutoff {
			s *= 2
		}
		if normQuery != "" && mentioned(normQuery, ent) {
			s *= 2
		}
		return s
	}
	sort.SliceStable(entities, func(i, j int) bool {
		si, sj := score(entities[i]), score(entities[j])
		if si != sj {
			return si > sj
		}
		return entities[i].ID < entities[j].ID
	})
	if limit > 0 && len(entities) > limit {
		entities = entities[:limit]
	}
	return entities, nil
}

// mentioned reports whether the normalized query contains the entity's
// name or one of its aliases.
func mentioned(normQuery string, ent *store.Entity) bool {
	if n := store.NormalizeName(ent.Name); n != "" && strings.Contains(normQuery, n) {
		return true
	}
	for _, alias := range ent.Aliases {
		if n := store.NormalizeName(alias); n != "" && strings.Contains(normQuery, n) {
			return true
		}
	}
	return false
}

// eventLines renders events as truncated bullet lines.
func eventLines(events []*store.Event) []string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		content := strings.TrimSpace(ev.Content)
		if len(content) > eventSnippetLen {
			content = trimToRune(content, eventSnippetLen-3) + "..."
		}
		lines = append(lines, "- "+content)
	}
	return lines
}

// clipTokens truncates free text to a token allowance.
func clipTokens(s string, allowance int) string {
	s = strings.TrimSpace(s)
	if allowance <= 0 {
		return ""
	}
	return trimToRune(s, allowance*charsPerToken)
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

// fitLines joins as many lines as the token allowance covers.
func fitLines(lines []string, allowance int) string {
	var sb strings.Builder
	used := 0
	for _, line := range lines {
		cost := tokens(line) + 1
		if used+cost > allowance {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(line)
		used += cost
	}
	return sb.String()
}
