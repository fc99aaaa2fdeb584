package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"memsci/internal/types"
)

// GeminiEngine generates embeddings using Google's Gemini API.
type GeminiEngine struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEngine creates a Gemini embedding engine.
func NewGeminiEngine(ctx context.Context, apiKey, model string, dimensions int) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiEngine{client: client, model: model, dimensions: dimensions}, nil
}

// Embed generates an embedding for a single text.
func (e *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Gemini has native
// batch support.
func (e *GeminiEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return nil, types.Kindf(types.ErrEmbeddingFailed, "Gemini embed failed: %v", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, types.Kindf(types.ErrEmbeddingFailed,
			"Gemini returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		vectors[i] = emb.Values
	}
	if err := checkDimensions(vectors, e.dimensions); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *GeminiEngine) Dimensions() int { return e.dimensions }

// Name returns the engine name.
func (e *GeminiEngine) Name() string { return fmt.Sprintf("gemini:%s", e.model) }
