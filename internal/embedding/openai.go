package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"memsci/internal/types"
)

// OpenAIEngine generates embeddings via any OpenAI-compatible endpoint.
type OpenAIEngine struct {
	client     openai.Client
	model      string
	dimensions int
}

// NewOpenAIEngine creates an OpenAI-compatible embedding engine.
func NewOpenAIEngine(apiKey, baseURL, model string, dimensions int) (*OpenAIEngine, error) {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEngine{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, types.Kindf(types.ErrEmbeddingFailed, "openai embed failed: %v", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, types.Kindf(types.ErrEmbeddingFailed,
			"openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vectors[d.Index] = vec
	}
	if err := checkDimensions(vectors, e.dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *OpenAIEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *OpenAIEngine) Name() string { return fmt.Sprintf("openai:%s", e.model) }
