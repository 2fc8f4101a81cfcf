package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/engramdb/engram/pkg/embed"
	"github.com/engramdb/engram/pkg/kv"
	"github.com/engramdb/engram/pkg/vecindex"
)

// Sentinel errors.
var (
	// ErrMissingRecord is returned by write operations that target a record
	// which does not exist. Read accessors never return it — they report
	// absence as a nil result.
	ErrMissingRecord = errors.New("store: record not found")
)

// Store is the Record Store. It composes the key-value backend, the ANN
// index, and the embedding gateway; all higher layers (graph manager,
// summary tree, assembler, maintenance) read and write through it.
//
// The store itself performs no locking beyond what the backends provide:
// the engine serializes writers with a single write mutex above this layer,
// and both backends tolerate concurrent readers.
type Store struct {
	db  kv.Store
	idx vecindex.Searcher
	emb embed.Embedder
	log *slog.Logger
}

// New creates a Record Store over db. idx and emb are optional: with a nil
// index, vector search falls back to a brute-force scan; with a nil
// embedder, text search is unavailable.
func New(db kv.Store, idx vecindex.Searcher, emb embed.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, idx: idx, emb: emb, log: logger}
}

// Index exposes the underlying ANN index, for maintenance (rebuild) only.
func (s *Store) Index() vecindex.Searcher { return s.idx }

// Close closes the key-value backend. The ANN index is memory-resident;
// persisting it is the engine's job.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---

func encodeRow(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeInto(raw []byte, v any) error {
	return msgpack.Unmarshal(raw, v)
}

// getRow fetches and decodes one primary row. Absence is (nil, nil).
func getRow[T any](ctx context.Context, s *Store, key kv.Key) (*T, error) {
	raw, err := s.db.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", key, err)
	}
	row := new(T)
	if err := msgpack.Unmarshal(raw, row); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return row, nil
}

// putRow encodes and stores one primary row.
func (s *Store) putRow(ctx context.Context, key kv.Key, v any) error {
	raw, err := encodeRow(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	if err := s.db.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// rowEntry builds a BatchSet entry for a primary row.
func rowEntry(key kv.Key, v any) (kv.Entry, error) {
	raw, err := encodeRow(v)
	if err != nil {
		return kv.Entry{}, fmt.Errorf("store: encode %s: %w", key, err)
	}
	return kv.Entry{Key: key, Value: raw}, nil
}

// indexEntry builds a BatchSet entry for a secondary index key. value is
// usually empty (the ID rides in the key) or a row ID for lookup indexes.
func indexEntry(key kv.Key, value string) kv.Entry {
	return kv.Entry{Key: key, Value: []byte(value)}
}

// collectIDs scans an index prefix and returns the trailing key segment of
// each entry, in encoded-key order, up to limit (limit <= 0 is unbounded).
func (s *Store) collectIDs(ctx context.Context, prefix kv.Key, limit int) ([]string, error) {
	var ids []string
	for entry, err := range s.db.List(ctx, prefix) {
		if err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
		}
		ids = append(ids, lastSegment(entry.Key))
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}
