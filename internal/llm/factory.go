package llm

import (
	"context"
	"fmt"

	"memsci/internal/config"
	"memsci/internal/logging"
)

// NewClient creates a chat client from the service config.
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	logging.API("Creating LLM client: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "openai", "xinference", "gpustack":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, ShapeOpenAI), nil
	case "dashscope":
		return NewOpenAIClient(cfg.APIKey, cfg.BaseURL, ShapeDashScope), nil
	case "anthropic", "bedrock":
		return NewAnthropicClient(cfg.APIKey, cfg.BaseURL), nil
	case "gemini":
		return NewGeminiClient(ctx, cfg.APIKey)
	case "ollama":
		return NewOllamaClient(cfg.BaseURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
