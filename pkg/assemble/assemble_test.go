package assemble

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
	"github.com/engramdb/engram/pkg/vecindex"
)

func newTestAssembler(t *testing.T) (*Assembler, *store.Store, *summary.Tree) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	emb := embed.NewMock(32)
	s := store.New(kv.NewMemory(nil), vecindex.NewFlat(32), emb, logger)
	t.Cleanup(func() { s.Close() })
	tree := summary.New(s, logger)
	return New(s, logger), s, tree
}

func saveText(t *testing.T, s *store.Store, session, content string) *store.Event {
	t.Helper()
	ev := &store.Event{Content: content, SessionKey: session}
	if err := s.SaveEvent(context.Background(), ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	return ev
}

func TestBudgetValidateScalesAndIsIdempotent(t *testing.T) {
	b := Budget{
		Total: 100, Identity: 100, State: 100, Room: 100, Entities: 100,
		Preferences: 100, Learnings: 100, Recent: 100, Knowledge: 100,
	}
	b.Validate()
	sum := b.Identity + b.State + b.Room + b.Entities +
		b.Preferences + b.Learnings + b.Recent + b.Knowledge
	if sum > b.Total {
		t.Fatalf("sections sum %d exceeds total %d", sum, b.Total)
	}
	before := b
	b.Validate()
	if b != before {
		t.Fatalf("Validate not idempotent: %+v -> %+v", before, b)
	}
}

func TestBudgetZeroValueGetsDefaults(t *testing.T) {
	var b Budget
	b.Validate()
	if b.Total != 2000 || b.Identity == 0 || b.Recent == 0 {
		t.Fatalf("zero budget not defaulted: %+v", b)
	}
}

func TestAssembleSectionsAndOrder(t *testing.T) {
	ctx := context.Background()
	a, s, tree := newTestAssembler(t)

	room := "room:general"
	saveText(t, s, room, "planning the quarterly release schedule")
	ent := &store.Entity{Name: "Release Train", Type: "concept", EventCount: 3, LastSeen: store.NowNano()}
	if err := s.SaveEntity(ctx, ent); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}
	if err := s.SaveLearning(ctx, &store.Learning{Content: "prefers short standups"}); err != nil {
		t.Fatalf("SaveLearning: %v", err)
	}
	for _, key := range []string{summary.KeyRoot, summary.RoomKey(room), summary.KeyPreferences} {
		if err := tree.RefreshNode(ctx, key); err != nil {
			t.Fatalf("RefreshNode %s: %v", key, err)
		}
	}

	out, err := a.Assemble(ctx, Request{
		RoomID:             room,
		Identity:           "You are the team's planning assistant.",
		State:              "Sprint 14, day 3.",
		IncludePreferences: true,
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	labels := []string{
		"[Identity]", "[State]", "[Room]", "[Entities]",
		"[Preferences]", "[Learnings]", "[Recent conversation]", "[Knowledge]",
	}
	prev := -1
	for _, label := range labels {
		i := strings.Index(out, label)
		if i < 0 {
			t.Fatalf("missing section %s in:\n%s", label, out)
		}
		if i < prev {
			t.Fatalf("section %s out of order in:\n%s", label, out)
		}
		prev = i
	}
	if !strings.Contains(out, "planning assistant") {
		t.Fatalf("identity text missing:\n%s", out)
	}
	if !strings.Contains(out, "quarterly release") {
		t.Fatalf("recent event missing:\n%s", out)
	}
}

func TestAssembleOmitsEmptySections(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newTestAssembler(t)

	out, err := a.Assemble(ctx, Request{RoomID: "room:empty", IncludePreferences: true})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if out != "" {
		t.Fatalf("empty store produced sections:\n%s", out)
	}
}

func TestAssembleEntityDescriptionFallback(t *testing.T) {
	ctx := context.Background()
	a, s, _ := newTestAssembler(t)

	ent := &store.Entity{Name: "Billing Cluster", Type: "tool", Description: "primary payments database"}
	if err := s.SaveEntity(ctx, ent); err != nil {
		t.Fatalf("SaveEntity: %v", err)
	}

	out, err := a.Assemble(ctx, Request{EntityIDs: []string{ent.ID, "gone"}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !strings.Contains(out, "Billing Cluster (tool): primary payments database") {
		t.Fatalf("description fallback missing:\n%s", out)
	}
}

func TestAssembleExplicitRecentEvents(t *testing.T) {
	ctx := context.Background()
	a, s, _ := newTestAssembler(t)

	long := strings.Repeat("deployment checklist item ", 10)
	ev1 := saveText(t, s, "room:ops", long)
	saveText(t, s, "room:ops", "unrelated noise that must not appear")
	ev2 := saveText(t, s, "room:ops", "rollback completed")

	out, err := a.Assemble(ctx, Request{RecentEventIDs: []string{ev1.ID, ev2.ID}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if strings.Contains(out, "unrelated noise") {
		t.Fatalf("unselected event leaked:\n%s", out)
	}
	if !strings.Contains(out, "rollback completed") {
		t.Fatalf("selected event missing:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "- ") && len(line) > 2+eventSnippetLen {
			t.Fatalf("event line not truncated: %d bytes", len(line))
		}
	}
}

func TestAssembleTruncationKeepsValidUTF8(t *testing.T) {
	ctx := context.Background()
	a, s, _ := newTestAssembler(t)

	// Odd byte offsets land truncation inside the two-byte runes.
	ev := saveText(t, s, "room:ops", strings.Repeat("ü", 120))
	out, err := a.Assemble(ctx, Request{
		RecentEventIDs: []string{ev.ID},
		State:          "x" + strings.Repeat("ß", 400),
	})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if !utf8.ValidString(out) {
		t.Fatalf("assembled block contains invalid UTF-8: %q", out)
	}
	if !strings.Contains(out, "ü") {
		t.Fatalf("truncated event missing:\n%s", out)
	}
}

func TestAssembleHonorsTotalBudget(t *testing.T) {
	ctx := context.Background()
	a, s, tree := newTestAssembler(t)

	room := "room:general"
	for i := 0; i < 20; i++ {
		saveText(t, s, room, strings.Repeat("a very long discussion about infrastructure ", 4))
	}
	if err := tree.RefreshNode(ctx, summary.RoomKey(room)); err != nil {
		t.Fatalf("RefreshNode: %v", err)
	}

	out, err := a.Assemble(ctx, Request{RoomID: room, Budget: Budget{Total: 50}})
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(out) > 50*charsPerToken {
		t.Fatalf("output %d bytes exceeds budget of %d", len(out), 50*charsPerToken)
	}
}

func TestRelevantEntitiesRecencyBoost(t *testing.T) {
	ctx := context.Background()
	a, s, _ := newTestAssembler(t)

	old := &store.Entity{Name: "Old Project", Type: "concept", EventCount: 5, LastSeen: 1}
	fresh := &store.Entity{Name: "Fresh Project", Type: "concept", EventCount: 3, LastSeen: store.NowNano()}
	for _, ent := range []*store.Entity{old, fresh} {
		if err := s.SaveEntity(ctx, ent); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}

	got, err := a.RelevantEntities(ctx, "", "", 2)
	if err != nil {
		t.Fatalf("RelevantEntities: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entities", len(got))
	}
	// 3 doubled beats 5 undoubled.
	if got[0].ID != fresh.ID {
		t.Fatalf("recency boost missing: first = %s", got[0].Name)
	}
}

func TestRelevantEntitiesQueryMention(t *testing.T) {
	ctx := context.Background()
	a, s, _ := newTestAssembler(t)

	busy := &store.Entity{Name: "Standup Bot", Type: "tool", EventCount: 6, LastSeen: store.NowNano()}
	named := &store.Entity{Name: "Billing Cluster", Type: "tool", EventCount: 4, LastSeen: store.NowNano()}
	for _, ent := range []*store.Entity{busy, named} {
		if err := s.SaveEntity(ctx, ent); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}

	got, err := a.RelevantEntities(ctx, "what happened to the billing cluster?", "", 1)
	if err != nil {
		t.Fatalf("RelevantEntities: %v", err)
	}
	if len(got) != 1 || got[0].ID != named.ID {
		t.Fatalf("query mention boost missing: %+v", got)
	}
}
