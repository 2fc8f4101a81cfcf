// Package embed defines the engine's embedding gateway: the interface that
// turns text into fixed-dimension float32 vectors. The engine never computes
// embeddings itself — everything vector-shaped arrives through an [Embedder].
//
// Implementations: [OpenAI] for any OpenAI-compatible embeddings API, and
// [Mock] for deterministic offline tests.
//
// Empty input is not an error: every implementation returns a zero vector
// of the configured dimension, so callers can embed optional fields without
// guarding each call site.
package embed

import "context"

// DefaultDimension is the vector width the engine assumes unless
// configured otherwise.
const DefaultDimension = 384

// Embedder converts text into dense float32 vectors of a fixed dimension.
type Embedder interface {
	// Embed returns the embedding for a single text. Empty input yields
	// a deterministic zero vector of length Dimension().
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts, aligned with the
	// input. Implementations may split large batches transparently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the width of the output vectors.
	Dimension() int
}

// ZeroVector returns the canonical embedding for empty input.
func ZeroVector(dim int) []float32 {
	return make([]float32, dim)
}

// fitDim pads or trims vec to dim. Providers occasionally ignore the
// requested output width; the index dimension is fixed at creation, so the
// gateway reconciles here rather than failing the write path.
func fitDim(vec []float32, dim int) []float32 {
	if len(vec) == dim {
		return vec
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out
}
