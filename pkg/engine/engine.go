// Package engine assembles the full memory engine: record store, vector
// index, knowledge graph, summary tree, context assembler, and maintenance
// loop, opened over one data directory and closed as one unit.
//
// Concurrency model: one engine-wide mutex serializes all writers,
// foreground and maintenance alike; readers go straight to the backends,
// which tolerate concurrent reads. The graph and the summaries are derived
// state and may lag the event log — an event is durable the moment Record
// returns, and everything downstream catches up in idle time.
package engine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/engramdb/engram/pkg/assemble"
	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/kgraph"
	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/maintain"
	"github.com/engramdb/engram/pkg/store"
	"github.com/engramdb/engram/pkg/summary"
	"github.com/engramdb/engram/pkg/vecindex"
)

// indexFile is the vector index filename inside the data directory; the
// record database lives under dbDir next to it.
const (
	indexFile = "index.bin"
	dbDir     = "db"
)

// Engine is one open memory engine instance. Multiple instances may exist
// in one process as long as they use distinct data directories; the data
// directory is the unit of ownership.
type Engine struct {
	cfg *Config
	log *slog.Logger

	db    kv.Store
	idx   *vecindex.HNSW
	store *store.Store
	emb   embed.Embedder

	graph *kgraph.Manager
	tree  *summary.Tree
	asm   *assemble.Assembler

	activity *maintain.Activity
	loop     *maintain.Loop

	// mu is the engine-wide write lock.
	mu sync.Mutex

	indexPath string
}

// Option configures an Engine beyond its Config.
type Option func(*openOptions)

type openOptions struct {
	logger    *slog.Logger
	embedder  embed.Embedder
	extractor maintain.Extractor
}

// WithLogger sets the logger for the engine and all its components.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) { o.logger = logger }
}

// WithEmbedder overrides the configured embedding provider.
func WithEmbedder(emb embed.Embedder) Option {
	return func(o *openOptions) { o.embedder = emb }
}

// WithExtractor sets the knowledge extractor driven by the maintenance
// loop. Without one, events stay in the pending queue.
func WithExtractor(ex maintain.Extractor) Option {
	return func(o *openOptions) { o.extractor = ex }
}

// Open opens (or creates) the engine under cfg.DataDir and starts the
// maintenance loop unless disabled.
func Open(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	cfg.setDefaults()

	var oo openOptions
	for _, o := range opts {
		o(&oo)
	}
	logger := oo.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(cfg.LogLevel),
		}))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}
	db, err := kv.OpenBadger(kv.BadgerOptions{
		Dir:        filepath.Join(cfg.DataDir, dbDir),
		SyncWrites: cfg.SyncWrites,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: open record database: %w", err)
	}

	emb, err := buildEmbedder(cfg, oo.embedder)
	if err != nil {
		db.Close()
		return nil, err
	}

	dim := cfg.Embedding.Dimension
	if emb != nil {
		dim = emb.Dimension()
	}
	indexPath := filepath.Join(cfg.DataDir, indexFile)
	idx := vecindex.OpenFile(indexPath, vecindex.Config{
		Dim:            dim,
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
		EfSearch:       cfg.Index.EfSearch,
	}, logger)

	e := &Engine{
		cfg:       cfg,
		log:       logger,
		db:        db,
		idx:       idx,
		emb:       emb,
		indexPath: indexPath,
		activity:  maintain.NewActivity(),
	}
	e.store = store.New(db, idx, emb, logger)
	e.graph = kgraph.New(e.store, emb, logger)
	e.tree = summary.New(e.store, logger)
	e.asm = assemble.New(e.store, logger)
	e.loop = maintain.New(maintain.Config{
		Tick:            cfg.Maintain.Tick,
		QuietWindow:     cfg.Maintain.QuietWindow,
		ExtractBatch:    cfg.Maintain.ExtractBatch,
		SummaryInterval: cfg.Maintain.SummaryInterval,
		DeepInterval:    cfg.Maintain.DeepInterval,
		StaleThreshold:  cfg.Maintain.StaleThreshold,
		RefreshBatch:    cfg.Maintain.RefreshBatch,
		DecayFactor:     cfg.Maintain.DecayFactor,
		DecayFloor:      cfg.Maintain.DecayFloor,
		RebuildMinDead:  cfg.Maintain.RebuildMinDead,
		RebuildRatio:    cfg.Maintain.RebuildRatio,
	}, e.store, e.graph, e.tree, oo.extractor, e.activity, &e.mu, logger)

	if !cfg.Maintain.Disabled {
		e.loop.Start()
	}
	logger.Info("engine opened", "dir", cfg.DataDir, "dim", dim, "indexed", idx.Len())
	return e, nil
}

func buildEmbedder(cfg *Config, override embed.Embedder) (embed.Embedder, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Embedding.Provider {
	case "none":
		return nil, nil
	case "mock":
		return embed.NewMock(cfg.Embedding.Dimension), nil
	case "openai":
		opts := []embed.Option{embed.WithDimension(cfg.Embedding.Dimension)}
		if cfg.Embedding.Model != "" {
			opts = append(opts, embed.WithModel(cfg.Embedding.Model))
		}
		if cfg.Embedding.BaseURL != "" {
			opts = append(opts, embed.WithBaseURL(cfg.Embedding.BaseURL))
		}
		key := cfg.Embedding.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return embed.NewOpenAI(key, opts...), nil
	}
	return nil, fmt.Errorf("engine: unknown embedding provider %q", cfg.Embedding.Provider)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Close stops maintenance, persists the vector index, and closes the
// record database. The engine is unusable afterwards.
func (e *Engine) Close() error {
	e.loop.Stop()
	if err := e.idx.SaveFile(e.indexPath); err != nil {
		e.log.Error("index not persisted", "error", err)
	}
	return e.store.Close()
}

// Store exposes the record store for read access and diagnostics.
func (e *Engine) Store() *store.Store { return e.store }

// Graph exposes the knowledge graph manager.
func (e *Engine) Graph() *kgraph.Manager { return e.graph }

// Tree exposes the summary tree.
func (e *Engine) Tree() *summary.Tree { return e.tree }

// MarkActivity tells the maintenance loop the foreground is busy.
func (e *Engine) MarkActivity() { e.activity.Mark() }
