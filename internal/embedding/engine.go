// Package embedding provides vector embedding generation for semantic
// search. Supports OpenAI-compatible, Google Gemini, and Ollama backends.
// Dimensionality is fixed per model; mixing models within one vector index
// is forbidden and enforced at the engine boundary.
package embedding

import (
	"context"
	"fmt"

	"memsci/internal/config"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call
	// where the backend supports it.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name.
	Name() string
}

// NewEngine creates an embedding engine from the service config.
func NewEngine(ctx context.Context, cfg config.EmbeddingConfig) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine: provider=%s model=%s dims=%d",
		cfg.Provider, cfg.Model, cfg.Dimensions)

	var engine Engine
	var err error
	switch cfg.Provider {
	case "openai", "dashscope", "xinference", "gpustack":
		engine, err = NewOpenAIEngine(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "gemini":
		engine, err = NewGeminiEngine(ctx, cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		engine, err = NewOllamaEngine(cfg.BaseURL, cfg.Model, cfg.Dimensions, cfg.Timeout)
	default:
		err = fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}

// checkDimensions validates a returned batch against the engine's fixed
// dimensionality.
func checkDimensions(vectors [][]float32, want int) error {
	for i, v := range vectors {
		if len(v) != want {
			return types.Kindf(types.ErrEmbeddingFailed,
				"embedding %d has dimension %d, want %d", i, len(v), want)
		}
	}
	return nil
}
