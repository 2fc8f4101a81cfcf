package maintain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/kgraph"
	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
	"github.com/engramdb/engram/pkg/vecindex"
)

type fixture struct {
	loop  *Loop
	store *store.Store
	graph *kgraph.Manager
	tree  *summary.Tree
	idx   *vecindex.HNSW
}

func newFixture(t *testing.T, cfg Config, extractor Extractor) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	idx := vecindex.NewHNSW(vecindex.Config{Dim: 4})
	s := store.New(kv.NewMemory(nil), idx, embed.NewMock(4), logger)
	t.Cleanup(func() { s.Close() })
	graph := kgraph.New(s, nil, logger)
	tree := summary.New(s, logger)

	// Intervals collapse to a nanosecond so every cycle runs every pass.
	if cfg.SummaryInterval == 0 {
		cfg.SummaryInterval = time.Nanosecond
	}
	if cfg.DeepInterval == 0 {
		cfg.DeepInterval = time.Nanosecond
	}
	var mu sync.Mutex
	loop := New(cfg, s, graph, tree, extractor, NewActivity(), &mu, logger)
	loop.lastSummary = time.Now().Add(-time.Hour)
	loop.lastDeep = time.Now().Add(-time.Hour)
	return &fixture{loop: loop, store: s, graph: graph, tree: tree, idx: idx}
}

func TestActivityQuietWindow(t *testing.T) {
	a := NewActivity()
	if a.QuietFor(time.Hour) {
		t.Fatal("fresh tracker should not be quiet for an hour")
	}
	if !a.QuietFor(0) {
		t.Fatal("zero window should always be quiet")
	}
	a.Mark()
	if a.QuietFor(time.Hour) {
		t.Fatal("just-marked tracker should not be quiet")
	}
	if !a.Active(time.Hour) {
		t.Fatal("just-marked tracker should be active")
	}
	if a.Active(0) {
		t.Fatal("zero window should never be active")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, Config{Tick: time.Millisecond, QuietWindow: time.Hour}, nil)
	f.loop.Start()
	f.loop.Start()
	f.loop.Stop()
	f.loop.Stop()
	// A stopped loop can be started again.
	f.loop.Start()
	f.loop.Stop()
}

func TestDrainAppliesExtraction(t *testing.T) {
	ctx := context.Background()
	extractor := ExtractorFunc(func(_ context.Context, ev *store.Event) (*Extraction, error) {
		return &Extraction{
			Entities: []ExtractedEntity{{Name: "John Smith", Type: "person"}},
			Edges: []ExtractedEdge{{
				Source:     ExtractedEntity{Name: "John Smith", Type: "person"},
				Target:     ExtractedEntity{Name: "Acme", Type: "org"},
				Relation:   "works at",
				RelType:    "works_at",
				Confidence: 0.9,
			}},
			Facts: []ExtractedFact{{
				Subject:    ExtractedEntity{Name: "John Smith", Type: "person"},
				Predicate:  "likes",
				Object:     "coffee",
				Confidence: 0.8,
			}},
			Learnings: []*store.Learning{{Content: "prefers morning meetings"}},
		}, nil
	})
	f := newFixture(t, Config{}, extractor)

	ev := &store.Event{Content: "john works at acme", SessionKey: "room:general"}
	if err := f.store.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	f.loop.RunCycle(ctx)

	got, err := f.store.GetEvent(ctx, ev.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.ExtractionStatus != store.ExtractionComplete {
		t.Fatalf("status = %q, want complete", got.ExtractionStatus)
	}

	john, err := f.store.FindEntityByName(ctx, "person", "John Smith")
	if err != nil {
		t.Fatalf("FindEntityByName: %v", err)
	}
	if john == nil {
		t.Fatal("entity not created")
	}
	acme, _ := f.store.FindEntityByName(ctx, "org", "Acme")
	if acme == nil {
		t.Fatal("edge target entity not created")
	}
	edge, err := f.store.FindEdge(ctx, john.ID, acme.ID, "works_at")
	if err != nil || edge == nil {
		t.Fatalf("edge not recorded: %v", err)
	}
	facts, _ := f.store.FactsBySubject(ctx, john.ID)
	if len(facts) != 1 || facts[0].ObjectText != "coffee" {
		t.Fatalf("fact not recorded: %+v", facts)
	}
	learnings, _ := f.store.Learnings(ctx)
	if len(learnings) != 1 {
		t.Fatalf("learning not recorded: %+v", learnings)
	}

	room, _ := f.store.GetSummaryNode(ctx, summary.RoomKey("room:general"))
	if room == nil || room.EventsSinceUpdate == 0 {
		t.Fatalf("room summary not touched: %+v", room)
	}
}

func TestFailingExtractorMarksFailedAndContinues(t *testing.T) {
	ctx := context.Background()
	extractor := ExtractorFunc(func(_ context.Context, ev *store.Event) (*Extraction, error) {
		if strings.Contains(ev.Content, "poison") {
			return nil, errors.New("model refused")
		}
		return &Extraction{Entities: []ExtractedEntity{{Name: "Ada", Type: "person"}}}, nil
	})
	f := newFixture(t, Config{}, extractor)

	bad := &store.Event{Content: "poison pill", SessionKey: "s", Timestamp: 1}
	good := &store.Event{Content: "fine", SessionKey: "s", Timestamp: 2}
	for _, ev := range []*store.Event{bad, good} {
		if err := f.store.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	f.loop.RunCycle(ctx)

	gotBad, _ := f.store.GetEvent(ctx, bad.ID)
	if gotBad.ExtractionStatus != store.ExtractionFailed {
		t.Fatalf("bad status = %q, want failed", gotBad.ExtractionStatus)
	}
	gotGood, _ := f.store.GetEvent(ctx, good.ID)
	if gotGood.ExtractionStatus != store.ExtractionComplete {
		t.Fatalf("good status = %q, want complete", gotGood.ExtractionStatus)
	}
	// The failure left no graph rows behind.
	st, _ := f.store.Stats(ctx)
	if st.Entities != 1 {
		t.Fatalf("entities = %d, want 1 (from the good event only)", st.Entities)
	}
	if n, _ := f.store.PendingCount(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestSkipExtraction(t *testing.T) {
	ctx := context.Background()
	extractor := ExtractorFunc(func(context.Context, *store.Event) (*Extraction, error) {
		return &Extraction{Skip: true}, nil
	})
	f := newFixture(t, Config{}, extractor)

	ev := &store.Event{Content: "ok", SessionKey: "s"}
	if err := f.store.SaveEvent(ctx, ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	f.loop.RunCycle(ctx)

	got, _ := f.store.GetEvent(ctx, ev.ID)
	if got.ExtractionStatus != store.ExtractionSkipped {
		t.Fatalf("status = %q, want skipped", got.ExtractionStatus)
	}
}

func TestDrainHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	extractor := ExtractorFunc(func(context.Context, *store.Event) (*Extraction, error) {
		calls++
		cancel() // cancel mid-batch after the first event
		return &Extraction{Skip: true}, nil
	})
	f := newFixture(t, Config{}, extractor)

	for i := 0; i < 5; i++ {
		if err := f.store.SaveEvent(context.Background(), &store.Event{Content: "e", SessionKey: "s"}); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}
	f.loop.RunCycle(ctx)

	if calls != 1 {
		t.Fatalf("extractor ran %d times after cancellation, want 1", calls)
	}
}

func TestConcurrentCyclesDrainEachEventOnce(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	extractor := ExtractorFunc(func(context.Context, *store.Event) (*Extraction, error) {
		calls.Add(1)
		time.Sleep(time.Millisecond)
		return &Extraction{Skip: true}, nil
	})
	f := newFixture(t, Config{}, extractor)

	const pending = 8
	for i := 0; i < pending; i++ {
		if err := f.store.SaveEvent(ctx, &store.Event{Content: "e", SessionKey: "s"}); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.loop.RunCycle(ctx)
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != pending {
		t.Fatalf("extractor ran %d times over %d pending events", got, pending)
	}
}

func TestLearningDecayAndFloor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{DecayFactor: 0.5, DecayFloor: 0.3}, nil)

	strong := &store.Learning{Content: "keep", RelevanceScore: 1.0}
	weak := &store.Learning{Content: "drop", RelevanceScore: 0.4}
	for _, l := range []*store.Learning{strong, weak} {
		if err := f.store.SaveLearning(ctx, l); err != nil {
			t.Fatalf("SaveLearning: %v", err)
		}
	}

	f.loop.RunCycle(ctx)

	kept, _ := f.store.GetLearning(ctx, strong.ID)
	if kept == nil || kept.RelevanceScore != 0.5 {
		t.Fatalf("strong learning = %+v, want score 0.5", kept)
	}
	if gone, _ := f.store.GetLearning(ctx, weak.ID); gone != nil {
		t.Fatalf("weak learning survived below floor: %+v", gone)
	}
}

func TestIndexRebuildReclaimsTombstones(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RebuildMinDead: 1, RebuildRatio: 0.4}, nil)

	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
	ids := make([]string, len(vecs))
	for i, v := range vecs {
		ev := &store.Event{Content: "e", SessionKey: "s", Embedding: store.PackVector(v), ExtractionStatus: store.ExtractionSkipped}
		if err := f.store.SaveEvent(ctx, ev); err != nil {
			t.Fatalf("SaveEvent: %v", err)
		}
		ids[i] = ev.ID
	}
	for _, id := range ids[:2] {
		if err := f.store.DeleteEvent(ctx, id); err != nil {
			t.Fatalf("DeleteEvent: %v", err)
		}
	}
	if f.idx.Tombstones() != 2 {
		t.Fatalf("tombstones = %d, want 2", f.idx.Tombstones())
	}

	f.loop.RunCycle(ctx)

	if f.idx.Tombstones() != 0 {
		t.Fatalf("tombstones = %d after rebuild, want 0", f.idx.Tombstones())
	}
	if f.idx.Len() != 1 {
		t.Fatalf("live = %d after rebuild, want 1", f.idx.Len())
	}
	matches, err := f.idx.Search([]float32{0, 0, 1, 0}, 1, nil)
	if err != nil || len(matches) != 1 || matches[0].ID != ids[2] {
		t.Fatalf("post-rebuild search = %+v, %v", matches, err)
	}
}
