package vecindex

import (
	"fmt"
	"sort"
	"sync"
)

func errLengthMismatch(ids, vecs int) error {
	return fmt.Errorf("vecindex: batch length mismatch: %d ids, %d vectors", ids, vecs)
}

// Flat is a brute-force Searcher scanning every vector per query. It exists
// for tests and for the Record Store's degraded search path, and ranks
// results identically to [HNSW] because both share one distance routine.
//
// Safe for concurrent use.
type Flat struct {
	mu      sync.RWMutex
	dim     int
	order   []string // insertion order, for deterministic tie-breaking
	vectors map[string][]float32
}

var _ Searcher = (*Flat)(nil)

// NewFlat creates an empty brute-force index.
func NewFlat(dim int) *Flat {
	return &Flat{
		dim:     dim,
		vectors: make(map[string][]float32),
	}
}

func (f *Flat) Add(id string, vec []float32) error {
	if err := checkDim(len(vec), f.dim); err != nil {
		return err
	}
	v := normalizedCopy(vec)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.vectors[id]; ok {
		return nil
	}
	f.vectors[id] = v
	f.order = append(f.order, id)
	return nil
}

func (f *Flat) AddBatch(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return errLengthMismatch(len(ids), len(vecs))
	}
	for i, id := range ids {
		if err := f.Add(id, vecs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Flat) Search(query []float32, k int, allow map[string]bool) ([]Match, error) {
	if err := checkDim(len(query), f.dim); err != nil {
		return nil, err
	}
	q := normalizedCopy(query)

	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.vectors) == 0 || k <= 0 {
		return nil, nil
	}

	type scored struct {
		id   string
		dist float32
	}
	results := make([]scored, 0, len(f.vectors))
	for _, id := range f.order {
		vec, ok := f.vectors[id]
		if !ok {
			continue
		}
		if allow != nil && !allow[id] {
			continue
		}
		results = append(results, scored{id: id, dist: cosineDistance(q, vec)})
	}

	// Stable sort over insertion order keeps ties deterministic.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].dist < results[j].dist
	})
	if len(results) > k {
		results = results[:k]
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.id, Similarity: 1 - r.dist}
	}
	return matches, nil
}

func (f *Flat) Delete(id string) error {
	f.mu.Lock()
	delete(f.vectors, id)
	f.mu.Unlock()
	return nil
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}
