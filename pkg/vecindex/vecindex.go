// Package vecindex provides approximate nearest-neighbor search over content
// embeddings, keyed by external string IDs (event IDs, entity IDs).
//
// The production index is [HNSW], a hierarchical navigable-small-world graph
// over cosine distance. [Flat] is a brute-force backend with identical result
// semantics, used for the Record Store's degraded search path and for tests.
// Both backends share one normalization and one distance routine, so a query
// answered by either path ranks candidates the same way.
//
// Deletion is a structural limitation, not an oversight: removing an ID only
// drops its external mapping and tombstones the graph node — the node is
// never freed, because unlinking it would degrade graph navigability.
// [HNSW.Rebuild] is the only compaction path.
package vecindex

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors.
var (
	// ErrDimension is returned when a vector's length does not match the
	// index dimension.
	ErrDimension = errors.New("vecindex: dimension mismatch")
)

// Config configures a new index.
type Config struct {
	// Dim is the vector dimension. Required; must be positive.
	Dim int

	// M is the maximum connections per node per layer (layer 0 allows
	// 2*M). Default: 16.
	M int

	// EfConstruction sizes the candidate list while building the graph.
	// Default: 200.
	EfConstruction int

	// EfSearch sizes the candidate list at query time. The default is 100,
	// deliberately above the customary 50: recall matters more than a few
	// hundred microseconds when the result feeds an LLM prompt.
	EfSearch int
}

func (c *Config) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 100
	}
}

// maxConns returns the connection cap for a layer.
func (c *Config) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

// Match is a single search result.
type Match struct {
	// ID is the external identifier of the matched vector.
	ID string

	// Similarity is 1 − cosine distance, in [-1, 1]; higher is closer.
	Similarity float32
}

// Searcher is the similarity-search contract shared by the HNSW and Flat
// backends.
type Searcher interface {
	// Add inserts a vector under an external ID. The vector is
	// L2-normalized before insertion; adding an ID that already exists is
	// a no-op.
	Add(id string, vec []float32) error

	// AddBatch inserts multiple vectors. ids and vecs must align.
	AddBatch(ids []string, vecs [][]float32) error

	// Search returns up to k matches ordered by descending similarity.
	// A non-nil allow set restricts results to those IDs.
	Search(query []float32, k int, allow map[string]bool) ([]Match, error)

	// Delete removes an external ID. Absent IDs are not an error.
	Delete(id string) error

	// Len returns the number of live (searchable) vectors.
	Len() int
}

// normalize scales vec to unit L2 norm in place and returns it.
// Zero vectors are returned unchanged; they match nothing meaningfully.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
	return vec
}

// normalizedCopy returns an L2-normalized copy, leaving the caller's
// slice untouched.
func normalizedCopy(vec []float32) []float32 {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	return normalize(cp)
}

// cosineDistance computes 1 − cos(a, b) for unit-norm inputs (a plain dot
// product). Non-unit inputs still work: the full cosine is computed when
// either norm deviates from 1. Mismatched or zero-norm inputs score the
// maximum distance 2.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 2
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if sim > 1 {
		sim = 1
	}
	if sim < -1 {
		sim = -1
	}
	return float32(1 - sim)
}

// checkDim validates a vector length against the configured dimension.
func checkDim(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", ErrDimension, got, want)
	}
	return nil
}
