package embed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	openAIMaxBatch     = 2048 // inputs per request accepted by the API
	openAIDefaultModel = "text-embedding-3-small"
)

// OpenAI implements [Embedder] against the OpenAI embeddings API, or any
// OpenAI-compatible provider via WithBaseURL.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Embedder = (*OpenAI)(nil)

// config holds shared knobs for the option pattern.
type config struct {
	model      string
	dim        int
	baseURL    string
	httpClient *http.Client
}

// Option configures an [OpenAI] embedder.
type Option func(*config)

// WithModel sets the embedding model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDimension sets the requested output width. Models that ignore the
// request still produce vectors of this width: the gateway pads or trims.
func WithDimension(dim int) Option {
	return func(c *config) { c.dim = dim }
}

// WithBaseURL points the client at an OpenAI-compatible provider.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// NewOpenAI creates an embedder for the OpenAI embeddings API.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	cfg := config{
		model:      openAIDefaultModel,
		dim:        DefaultDimension,
		httpClient: http.DefaultClient,
	}
	for _, o := range opts {
		o(&cfg)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client: &client,
		model:  cfg.model,
		dim:    cfg.dim,
	}
}

func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return ZeroVector(o.dim), nil
	}
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))

	// Empty inputs resolve locally; only the rest go over the wire.
	var remote []string
	var remoteIdx []int
	for i, t := range texts {
		if t == "" {
			result[i] = ZeroVector(o.dim)
			continue
		}
		remote = append(remote, t)
		remoteIdx = append(remoteIdx, i)
	}

	for start := 0; start < len(remote); start += openAIMaxBatch {
		end := min(start+openAIMaxBatch, len(remote))
		vecs, err := o.callAPI(ctx, remote[start:end])
		if err != nil {
			return nil, fmt.Errorf("embed: batch [%d:%d]: %w", start, end, err)
		}
		for j, v := range vecs {
			result[remoteIdx[start+j]] = fitDim(v, o.dim)
		}
	}
	return result, nil
}

func (o *OpenAI) Dimension() int {
	return o.dim
}

func (o *OpenAI) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := item.Index
		if idx < 0 || idx >= int64(len(texts)) {
			return nil, fmt.Errorf("embed: unexpected index %d for batch size %d", idx, len(texts))
		}
		out := make([]float32, len(item.Embedding))
		for i, f := range item.Embedding {
			out[i] = float32(f)
		}
		vecs[idx] = out
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("embed: missing embedding for index %d", i)
		}
	}
	return vecs, nil
}
