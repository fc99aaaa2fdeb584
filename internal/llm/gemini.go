package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// GeminiClient adapts Google's Gemini API to the Client interface.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a Gemini adapter.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Chat implements Client. Tool use is routed through the OpenAI-compatible
// and Anthropic adapters; Gemini here serves plain and structured calls.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "gemini.Chat")
	defer timer.Stop()

	config := &genai.GenerateContentConfig{}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Schema != nil {
		config.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	var system string
	for _, m := range messages {
		content := m.Content
		if len(m.Parts) > 0 {
			content = FlattenParts(m.Parts)
		}
		switch m.Role {
		case "system":
			system += content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(content, genai.RoleUser))
		}
	}
	if opts.Schema != nil {
		system += SchemaPrompt(opts.Schema)
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	result := &ChatResult{}
	if opts.Stream {
		for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if err != nil {
				return nil, types.Kindf(types.ErrLLMCallFailed, "Gemini stream failed: %v", err)
			}
			token := chunk.Text()
			if token == "" {
				continue
			}
			result.Text += token
			if opts.OnToken != nil {
				opts.OnToken(token)
			}
		}
	} else {
		resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, types.Kindf(types.ErrLLMCallFailed, "Gemini call failed: %v", err)
		}
		result.Text = resp.Text()
		if resp.UsageMetadata != nil {
			result.Usage = TokenUsage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
	}

	if err := FinishStructured(result, opts); err != nil {
		return nil, err
	}
	return result, nil
}
