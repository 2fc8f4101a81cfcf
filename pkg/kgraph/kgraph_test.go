package kgraph

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.New(kv.NewMemory(nil), nil, nil, logger)
	t.Cleanup(func() { s.Close() })
	return New(s, embed.NewMock(64), logger), s
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first, created, err := m.ResolveEntity(ctx, "John Smith", "person", "ev1")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	if !created {
		t.Fatal("first resolution should create")
	}

	second, created, err := m.ResolveEntity(ctx, "John Smith", "person", "ev2")
	if err != nil {
		t.Fatalf("ResolveEntity again: %v", err)
	}
	if created {
		t.Fatal("second resolution should not create")
	}
	if second.ID != first.ID {
		t.Fatalf("resolution diverged: %s vs %s", first.ID, second.ID)
	}
	if second.EventCount != 2 {
		t.Fatalf("event count = %d, want 2", second.EventCount)
	}
}

func TestResolveCaseAndTitleInsensitive(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first, _, err := m.ResolveEntity(ctx, "John Smith", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	for _, mention := range []string{"john smith", "JOHN SMITH", "Dr. John Smith"} {
		got, created, err := m.ResolveEntity(ctx, mention, "person", "")
		if err != nil {
			t.Fatalf("ResolveEntity(%q): %v", mention, err)
		}
		if created || got.ID != first.ID {
			t.Fatalf("mention %q resolved to %s (created=%v), want %s", mention, got.ID, created, first.ID)
		}
	}
}

func TestResolveFuzzyRecordsAlias(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	full, _, err := m.ResolveEntity(ctx, "John Smith", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}

	// "john" is contained in "john smith": containment beats the threshold.
	got, created, err := m.ResolveEntity(ctx, "John", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity fuzzy: %v", err)
	}
	if created || got.ID != full.ID {
		t.Fatalf("fuzzy mention created=%v id=%s, want existing %s", created, got.ID, full.ID)
	}
	if !hasName(got, "john") {
		t.Fatalf("fuzzy mention not recorded as alias: %+v", got.Aliases)
	}

	// Alias now resolves exactly.
	again, created, err := m.ResolveEntity(ctx, "john", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity alias: %v", err)
	}
	if created || again.ID != full.ID {
		t.Fatalf("alias lookup created=%v id=%s", created, again.ID)
	}
}

func TestResolveScopedByType(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	person, _, err := m.ResolveEntity(ctx, "Mercury", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	concept, created, err := m.ResolveEntity(ctx, "Mercury", "concept", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	if !created || concept.ID == person.ID {
		t.Fatal("same name in a different type must be a distinct entity")
	}
}

func TestEdgeReinforcementIsBounded(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	var e *store.Edge
	var err error
	for i := 0; i < 10; i++ {
		e, err = m.RecordEdge(ctx, "a", "b", "works with", "works_with", 0.7, "")
		if err != nil {
			t.Fatalf("RecordEdge #%d: %v", i, err)
		}
	}
	if e.Strength > edgeMaxStrength {
		t.Fatalf("strength = %v, exceeds cap", e.Strength)
	}
	if math.Abs(e.Strength-edgeMaxStrength) > 1e-9 {
		t.Fatalf("strength = %v, want capped at %v", e.Strength, edgeMaxStrength)
	}
	if e.EvidenceCount != 10 {
		t.Fatalf("evidence = %d, want 10", e.EvidenceCount)
	}
}

func TestEdgeConfidenceOnlyRises(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if _, err := m.RecordEdge(ctx, "a", "b", "", "knows", 0.9, ""); err != nil {
		t.Fatalf("RecordEdge: %v", err)
	}
	e, err := m.RecordEdge(ctx, "a", "b", "", "knows", 0.3, "")
	if err != nil {
		t.Fatalf("RecordEdge: %v", err)
	}
	if e.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9 (must not be lowered)", e.Confidence)
	}
}

func TestFactDeduplication(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	first, created, err := m.RecordFact(ctx, &store.Fact{
		SubjectEntityID: "p1",
		Predicate:       "works_on",
		ObjectText:      "the payments service migration to the new cluster",
		Confidence:      0.6,
	}, "ev1")
	if err != nil {
		t.Fatalf("RecordFact: %v", err)
	}
	if !created {
		t.Fatal("first fact should create")
	}

	folded, created, err := m.RecordFact(ctx, &store.Fact{
		SubjectEntityID: "p1",
		Predicate:       "works_on",
		ObjectText:      "the payments service migration to a new cluster",
		Confidence:      0.8,
	}, "ev2")
	if err != nil {
		t.Fatalf("RecordFact restatement: %v", err)
	}
	if created {
		t.Fatal("restatement should fold, not create")
	}
	if folded.ID != first.ID {
		t.Fatalf("folded into %s, want %s", folded.ID, first.ID)
	}
	if folded.EvidenceCount != 2 {
		t.Fatalf("evidence = %d, want 2", folded.EvidenceCount)
	}
	if folded.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want raised to 0.8", folded.Confidence)
	}

	// Short objects must match exactly: "go" and "rust" stay separate.
	if _, created, err = m.RecordFact(ctx, &store.Fact{SubjectEntityID: "p1", Predicate: "likes", ObjectText: "go"}, ""); err != nil || !created {
		t.Fatalf("RecordFact short: created=%v err=%v", created, err)
	}
	if _, created, err = m.RecordFact(ctx, &store.Fact{SubjectEntityID: "p1", Predicate: "likes", ObjectText: "rust"}, ""); err != nil || !created {
		t.Fatalf("RecordFact short distinct: created=%v err=%v", created, err)
	}
}

func TestMergeRepointsEverything(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	keep, _, err := m.ResolveEntity(ctx, "John Smith", "person", "ev1")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	// Distinct enough that fuzzy matching does not collapse them early.
	drop, _, err := m.ResolveEntity(ctx, "J. Q. Smithson", "person", "ev2")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	other, _, err := m.ResolveEntity(ctx, "Acme Corp", "org", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}

	if _, err := m.RecordEdge(ctx, drop.ID, other.ID, "", "works_at", 0.8, ""); err != nil {
		t.Fatalf("RecordEdge: %v", err)
	}
	if _, _, err := m.RecordFact(ctx, &store.Fact{SubjectEntityID: drop.ID, Predicate: "likes", ObjectText: "coffee"}, ""); err != nil {
		t.Fatalf("RecordFact: %v", err)
	}

	merged, err := m.MergeEntities(ctx, keep.ID, drop.ID)
	if err != nil {
		t.Fatalf("MergeEntities: %v", err)
	}

	if gone, _ := s.GetEntity(ctx, drop.ID); gone != nil {
		t.Fatal("absorbed entity still exists")
	}
	edges, err := s.EdgesByEntity(ctx, keep.ID)
	if err != nil {
		t.Fatalf("EdgesByEntity: %v", err)
	}
	if len(edges) != 1 || edges[0].SourceEntityID != keep.ID {
		t.Fatalf("edge not re-pointed: %+v", edges)
	}
	if left, _ := s.EdgesByEntity(ctx, drop.ID); len(left) != 0 {
		t.Fatalf("absorbed entity still has edges: %+v", left)
	}
	facts, err := s.FactsBySubject(ctx, keep.ID)
	if err != nil {
		t.Fatalf("FactsBySubject: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("facts not re-pointed: %+v", facts)
	}
	if !hasName(merged, "j. q. smithson") {
		t.Fatalf("absorbed name not kept as alias: %+v", merged.Aliases)
	}
	// The absorbed name now resolves to the survivor.
	got, created, err := m.ResolveEntity(ctx, "J. Q. Smithson", "person", "")
	if err != nil || created || got.ID != keep.ID {
		t.Fatalf("absorbed name resolution: id=%s created=%v err=%v", got.ID, created, err)
	}
}

func TestMergeCarriesMetadata(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	keep := &store.Entity{Name: "Ada Lovelace", Type: "person", Metadata: map[string]any{"team": "blue"}}
	drop := &store.Entity{Name: "Countess of Lovelace", Type: "person", Metadata: map[string]any{"team": "red", "hobby": "chess"}}
	for _, ent := range []*store.Entity{keep, drop} {
		if err := s.SaveEntity(ctx, ent); err != nil {
			t.Fatalf("SaveEntity: %v", err)
		}
	}

	merged, err := m.MergeEntities(ctx, keep.ID, drop.ID)
	if err != nil {
		t.Fatalf("MergeEntities: %v", err)
	}
	if merged.Metadata["hobby"] != "chess" {
		t.Fatalf("absorbed metadata key lost: %+v", merged.Metadata)
	}
	// On collision the survivor's value wins.
	if merged.Metadata["team"] != "blue" {
		t.Fatalf("survivor metadata overwritten: %+v", merged.Metadata)
	}

	stored, err := s.GetEntity(ctx, keep.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if stored.Metadata["hobby"] != "chess" || stored.Metadata["team"] != "blue" {
		t.Fatalf("persisted metadata = %+v", stored.Metadata)
	}
}

func TestEntityNetwork(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	a, _, _ := m.ResolveEntity(ctx, "Ada", "person", "")
	b, _, _ := m.ResolveEntity(ctx, "Babbage", "person", "")
	if _, err := m.RecordEdge(ctx, a.ID, b.ID, "", "collaborates_with", 0.9, ""); err != nil {
		t.Fatalf("RecordEdge: %v", err)
	}
	if _, _, err := m.RecordFact(ctx, &store.Fact{SubjectEntityID: a.ID, Predicate: "invented", ObjectText: "programming"}, ""); err != nil {
		t.Fatalf("RecordFact: %v", err)
	}

	net, err := m.EntityNetwork(ctx, a.ID, 1, 0)
	if err != nil {
		t.Fatalf("EntityNetwork: %v", err)
	}
	if net == nil || net.Entity.ID != a.ID {
		t.Fatalf("network = %+v", net)
	}
	if len(net.Facts) != 1 || len(net.Neighbors) != 1 {
		t.Fatalf("facts=%d neighbors=%d, want 1/1", len(net.Facts), len(net.Neighbors))
	}
	if net.Neighbors[0].Entity.ID != b.ID {
		t.Fatalf("neighbor = %s, want %s", net.Neighbors[0].Entity.ID, b.ID)
	}

	// A strength floor above the edge's strength hides the neighbor.
	filtered, err := m.EntityNetwork(ctx, a.ID, 1, 0.95)
	if err != nil {
		t.Fatalf("EntityNetwork filtered: %v", err)
	}
	if len(filtered.Neighbors) != 0 {
		t.Fatalf("minStrength not applied: %+v", filtered.Neighbors)
	}
}

func TestLookupEntityDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	if ent, err := m.LookupEntity(ctx, "Nobody", "person"); err != nil || ent != nil {
		t.Fatalf("lookup of unknown = %+v, %v; want nil, nil", ent, err)
	}
	st, _ := s.Stats(ctx)
	if st.Entities != 0 {
		t.Fatalf("lookup created an entity: %+v", st)
	}

	created, _, err := m.ResolveEntity(ctx, "John Smith", "person", "")
	if err != nil {
		t.Fatalf("ResolveEntity: %v", err)
	}
	got, err := m.LookupEntity(ctx, "john smith", "person")
	if err != nil || got == nil || got.ID != created.ID {
		t.Fatalf("lookup = %+v, %v; want %s", got, err, created.ID)
	}
}

func TestFindSimilarEntities(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	a, _, _ := m.ResolveEntity(ctx, "kubernetes deployment pipeline", "concept", "")
	b, _, _ := m.ResolveEntity(ctx, "kubernetes deployment workflow", "concept", "")
	c, _, _ := m.ResolveEntity(ctx, "quarterly sales report", "concept", "")

	for _, id := range []string{a.ID, b.ID, c.ID} {
		if err := m.UpdateEntityEmbedding(ctx, id); err != nil {
			t.Fatalf("UpdateEntityEmbedding: %v", err)
		}
	}

	similar, err := m.FindSimilarEntities(ctx, a.ID, 2)
	if err != nil {
		t.Fatalf("FindSimilarEntities: %v", err)
	}
	if len(similar) == 0 {
		t.Fatal("no similar entities found")
	}
	if similar[0].Entity.ID != b.ID {
		t.Fatalf("closest = %q, want %q", similar[0].Entity.Name, b.Name)
	}
}
