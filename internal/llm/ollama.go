package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// OllamaClient adapts a local Ollama server's chat API to the Client
// interface.
type OllamaClient struct {
	endpoint string
	client   *http.Client
}

// NewOllamaClient creates an Ollama adapter.
func NewOllamaClient(endpoint string, timeout time.Duration) *OllamaClient {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   json.RawMessage     `json:"format,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool  `json:"done"`
	PromptEvalCount int   `json:"prompt_eval_count"`
	EvalCount       int   `json:"eval_count"`
}

// Chat implements Client.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "ollama.Chat")
	defer timer.Stop()

	req := ollamaChatRequest{
		Model:  model,
		Stream: opts.Stream,
	}
	for _, m := range messages {
		content := m.Content
		if len(m.Parts) > 0 {
			content = FlattenParts(m.Parts)
		}
		role := m.Role
		if role == "tool" {
			role = "user"
		}
		req.Messages = append(req.Messages, ollamaChatMessage{Role: role, Content: content})
	}
	if opts.Schema != nil {
		// Ollama accepts a JSON schema directly as the format field.
		data, err := json.Marshal(opts.Schema)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schema: %w", err)
		}
		req.Format = data
	}
	if opts.Temperature > 0 || opts.MaxTokens > 0 {
		req.Options = map[string]interface{}{}
		if opts.Temperature > 0 {
			req.Options["temperature"] = opts.Temperature
		}
		if opts.MaxTokens > 0 {
			req.Options["num_predict"] = opts.MaxTokens
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.Kindf(types.ErrLLMCallFailed, "ollama request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, types.Kindf(types.ErrLLMCallFailed, "ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	result := &ChatResult{}
	if opts.Stream {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var chunk ollamaChatResponse
			if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil {
				continue
			}
			if chunk.Message.Content != "" {
				result.Text += chunk.Message.Content
				if opts.OnToken != nil {
					opts.OnToken(chunk.Message.Content)
				}
			}
			if chunk.Done {
				result.Usage = TokenUsage{
					PromptTokens:     chunk.PromptEvalCount,
					CompletionTokens: chunk.EvalCount,
					TotalTokens:      chunk.PromptEvalCount + chunk.EvalCount,
				}
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, types.Kindf(types.ErrLLMCallFailed, "ollama stream failed: %v", err)
		}
	} else {
		var decoded ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		result.Text = decoded.Message.Content
		result.Usage = TokenUsage{
			PromptTokens:     decoded.PromptEvalCount,
			CompletionTokens: decoded.EvalCount,
			TotalTokens:      decoded.PromptEvalCount + decoded.EvalCount,
		}
	}

	if err := FinishStructured(result, opts); err != nil {
		return nil, err
	}
	return result, nil
}
