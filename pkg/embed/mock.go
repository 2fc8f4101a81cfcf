package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// Mock is a deterministic offline [Embedder] for tests. Each word of the
// input is hashed into a handful of dimensions, so texts sharing words
// produce correlated vectors — enough structure for ranking assertions
// without a model.
type Mock struct {
	dim int
}

var _ Embedder = (*Mock)(nil)

// NewMock creates a mock embedder. dim <= 0 selects DefaultDimension.
func NewMock(dim int) *Mock {
	if dim <= 0 {
		dim = DefaultDimension
	}
	return &Mock{dim: dim}
}

func (m *Mock) Embed(_ context.Context, text string) ([]float32, error) {
	vec := ZeroVector(m.dim)
	if text == "" {
		return vec, nil
	}

	word := make([]byte, 0, 16)
	flush := func() {
		if len(word) == 0 {
			return
		}
		h := fnv.New64a()
		h.Write(word)
		sum := h.Sum64()
		// Spread each word over three dimensions with signed weights.
		for i := 0; i < 3; i++ {
			d := int((sum >> (i * 16)) % uint64(m.dim))
			w := float32(int8(sum>>(i*8))) / 128
			vec[d] += w
		}
		word = word[:0]
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == ' ' || c == '\t' || c == '\n' {
			flush()
			continue
		}
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		word = append(word, c)
	}
	flush()

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (m *Mock) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *Mock) Dimension() int {
	return m.dim
}
