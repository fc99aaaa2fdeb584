// Package llm provides the provider-agnostic chat client the memory engine
// consumes. One narrow adapter per provider (OpenAI-compatible, Anthropic,
// Gemini, Ollama); the only provider-aware logic in the core is the
// multimodal content-part shape, isolated in the ContentBuilder.
package llm

import (
	"context"
	"encoding/json"
)

// ChatMessage is one turn sent to a chat model. Content carries plain
// text; Parts, when non-empty, carries multimodal content the
// ContentBuilder shapes per provider.
type ChatMessage struct {
	Role       string        `json:"role"` // system, user, assistant, tool
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
}

// ContentPart is one ordered piece of a multimodal message. Text parts are
// shaped by the ContentBuilder; media parts arrive already provider-shaped
// from the multimodal collaborator and pass through untouched.
type ContentPart struct {
	Text  string                 `json:"text,omitempty"`
	Media map[string]interface{} `json:"media,omitempty"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatOptions tunes one chat call.
type ChatOptions struct {
	// Schema requests structured output. The result must validate against
	// it or the call fails with an LLMParseError.
	Schema map[string]interface{}
	// Stream forwards tokens to OnToken as they arrive. The full text is
	// still assembled in the result.
	Stream      bool
	OnToken     func(token string)
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// TokenUsage reports token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult is the outcome of one chat call.
type ChatResult struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Usage      TokenUsage      `json:"usage"`
}

// Client is the chat capability every provider adapter implements.
type Client interface {
	Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (*ChatResult, error)
}

// Reranker scores candidates against a query. Providers without a rerank
// endpoint use IdentityReranker.
type Reranker interface {
	Rerank(ctx context.Context, model, query string, candidates []string) ([]float64, error)
}

// IdentityReranker returns a uniform score per candidate, preserving the
// caller's ordering.
type IdentityReranker struct{}

// Rerank implements Reranker.
func (IdentityReranker) Rerank(_ context.Context, _ string, _ string, candidates []string) ([]float64, error) {
	scores := make([]float64, len(candidates))
	for i := range scores {
		scores[i] = 1.0
	}
	return scores, nil
}
