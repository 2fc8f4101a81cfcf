package maintain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/engramdb/engram/pkg/kgraph"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
	"github.com/engramdb/engram/pkg/vecindex"
)

// Config tunes the maintenance loop. The zero value selects all defaults.
type Config struct {
	// Tick is how often the loop wakes to check for due work.
	// Default: 1m.
	Tick time.Duration

	// QuietWindow is how long the foreground must be idle before any
	// maintenance runs. Default: 30s.
	QuietWindow time.Duration

	// ExtractBatch caps events drained from the extraction queue per
	// cycle. Default: 20.
	ExtractBatch int

	// SummaryInterval is the minimum time between summary-refresh passes.
	// Default: 5m.
	SummaryInterval time.Duration

	// DeepInterval is the minimum time between deep passes (learning
	// decay, index compaction). Default: 1h.
	DeepInterval time.Duration

	// StaleThreshold and RefreshBatch pass through to the summary tree.
	StaleThreshold int
	RefreshBatch   int

	// DecayFactor multiplies every learning's relevance each deep pass;
	// DecayFloor is the score below which a learning is dropped.
	// Defaults: 0.98 and 0.05.
	DecayFactor float64
	DecayFloor  float64

	// RebuildMinDead and RebuildRatio gate index compaction: a rebuild
	// runs only when at least RebuildMinDead tombstones exist and they
	// make up more than RebuildRatio of all graph slots.
	// Defaults: 256 and 0.5.
	RebuildMinDead int
	RebuildRatio   float64
}

func (c *Config) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = time.Minute
	}
	if c.QuietWindow <= 0 {
		c.QuietWindow = 30 * time.Second
	}
	if c.ExtractBatch <= 0 {
		c.ExtractBatch = 20
	}
	if c.SummaryInterval <= 0 {
		c.SummaryInterval = 5 * time.Minute
	}
	if c.DeepInterval <= 0 {
		c.DeepInterval = time.Hour
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.98
	}
	if c.DecayFloor <= 0 {
		c.DecayFloor = 0.05
	}
	if c.RebuildMinDead <= 0 {
		c.RebuildMinDead = 256
	}
	if c.RebuildRatio <= 0 {
		c.RebuildRatio = 0.5
	}
}

// Loop schedules background maintenance. Each task keeps its own last-run
// timestamp, so a long extraction pass delays — rather than skips — the
// summary and deep passes behind it.
type Loop struct {
	cfg       Config
	store     *store.Store
	graph     *kgraph.Manager
	tree      *summary.Tree
	extractor Extractor
	activity  *Activity

	// mu is the engine-wide write lock, shared with the foreground.
	mu  *sync.Mutex
	log *slog.Logger

	// cycleMu serializes whole cycles: a foreground flush and the
	// background goroutine may both call RunCycle, and the extraction
	// drain must not run twice over the same pending batch. It also
	// guards the per-task timestamps below.
	cycleMu     sync.Mutex
	lastSummary time.Time
	lastDeep    time.Time

	// runMu guards the goroutine lifecycle below.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a maintenance loop. extractor may be nil, in which case the
// extraction queue is left untouched.
func New(cfg Config, s *store.Store, graph *kgraph.Manager, tree *summary.Tree, extractor Extractor, activity *Activity, mu *sync.Mutex, logger *slog.Logger) *Loop {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Loop{
		cfg:         cfg,
		store:       s,
		graph:       graph,
		tree:        tree,
		extractor:   extractor,
		activity:    activity,
		mu:          mu,
		log:         logger,
		lastSummary: now,
		lastDeep:    now,
	}
}

// Start launches the loop in its own goroutine. Starting a running loop is
// a no-op.
func (l *Loop) Start() {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the goroutine to exit. Stopping a
// stopped (or never started) loop is a no-op.
func (l *Loop) Stop() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is canceled, waking every tick and running whatever
// work is due, provided the foreground has been quiet for the window.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.activity.Active(l.cfg.QuietWindow) {
				continue
			}
			l.RunCycle(ctx)
		}
	}
}

// RunCycle executes one maintenance cycle immediately, regardless of
// activity: the extraction drain, plus the summary and deep passes when
// due. Exposed for shutdown flushing and tests. Cycles never overlap; a
// concurrent call waits for the running cycle to finish.
func (l *Loop) RunCycle(ctx context.Context) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()

	if err := l.drainExtractions(ctx); err != nil {
		l.log.Warn("extraction pass aborted", "error", err)
		return
	}

	now := time.Now()
	if now.Sub(l.lastSummary) >= l.cfg.SummaryInterval {
		l.mu.Lock()
		refreshed, err := l.tree.RefreshStale(ctx, l.cfg.StaleThreshold, l.cfg.RefreshBatch)
		l.mu.Unlock()
		if err != nil {
			l.log.Warn("summary pass aborted", "error", err)
			return
		}
		l.lastSummary = now
		if refreshed > 0 {
			l.log.Info("summaries refreshed", "count", refreshed)
		}
	}

	if now.Sub(l.lastDeep) >= l.cfg.DeepInterval {
		if err := l.decayLearnings(ctx); err != nil {
			l.log.Warn("decay pass aborted", "error", err)
			return
		}
		l.maybeRebuildIndex(ctx)
		l.lastDeep = now
	}
}

// maybeRebuildIndex compacts the ANN index when tombstones dominate it.
// Deletions never free graph slots, so this is the only path that reclaims
// them. The rebuild holds the write lock: queries during it would see a
// half-built graph.
func (l *Loop) maybeRebuildIndex(ctx context.Context) {
	h, ok := l.store.Index().(*vecindex.HNSW)
	if !ok {
		return
	}
	dead := h.Tombstones()
	total := h.Len() + dead
	if dead < l.cfg.RebuildMinDead || total == 0 {
		return
	}
	if float64(dead)/float64(total) <= l.cfg.RebuildRatio {
		return
	}

	l.mu.Lock()
	err := h.Rebuild(l.store.EmbeddedVectors(ctx))
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("index rebuild failed", "error", err)
		return
	}
	l.log.Info("index rebuilt", "reclaimed", dead, "live", h.Len())
}

// decayLearnings multiplies every learning's relevance by the decay factor
// and drops those that sink below the floor. Superseded learnings decay
// like any other and eventually age out.
func (l *Loop) decayLearnings(ctx context.Context) error {
	learnings, err := l.store.Learnings(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for _, learning := range learnings {
		if err := ctx.Err(); err != nil {
			return err
		}
		learning.RelevanceScore *= l.cfg.DecayFactor
		if learning.RelevanceScore < l.cfg.DecayFloor {
			if err := l.store.DeleteLearning(ctx, learning.ID); err != nil {
				return err
			}
			dropped++
			continue
		}
		if err := l.store.UpdateLearning(ctx, learning); err != nil {
			return err
		}
	}
	if dropped > 0 {
		l.log.Info("learnings aged out", "count", dropped)
	}
	return nil
}
