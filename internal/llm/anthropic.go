package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// defaultAnthropicMaxTokens applies when the caller does not set a cap;
// the Anthropic API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient adapts the Anthropic Messages API (direct or via
// Bedrock-compatible endpoints) to the Client interface.
type AnthropicClient struct {
	client anthropic.Client
}

// NewAnthropicClient creates an Anthropic adapter.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(opts...)}
}

// Chat implements Client.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "anthropic.Chat")
	defer timer.Stop()

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

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
			// Tool-use blocks must be replayed so the tool results that
			// follow can reference their ids.
			var blocks []anthropic.ContentBlockParamUnion
			if content != "" || len(m.ToolCalls) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, content, false)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
		}
	}
	if opts.Schema != nil {
		system += SchemaPrompt(opts.Schema)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, t := range opts.Tools {
		properties, _ := t.Parameters["properties"]
		var required []string
		if req, ok := t.Parameters["required"].([]interface{}); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
				Required:   required,
			},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tool})
	}

	var result *ChatResult
	var err error
	if opts.Stream {
		result, err = c.chatStream(ctx, params, opts)
	} else {
		result, err = c.chatOnce(ctx, params)
	}
	if err != nil {
		return nil, types.WrapKind(types.ErrLLMCallFailed, err)
	}
	if err := FinishStructured(result, opts); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *AnthropicClient) chatOnce(ctx context.Context, params anthropic.MessageNewParams) (*ChatResult, error) {
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("messages call failed: %w", err)
	}
	return messageToResult(msg), nil
}

func (c *AnthropicClient) chatStream(ctx context.Context, params anthropic.MessageNewParams, opts ChatOptions) (*ChatResult, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("stream accumulate failed: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && opts.OnToken != nil {
				opts.OnToken(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("messages stream failed: %w", err)
	}
	return messageToResult(&msg), nil
}

func messageToResult(msg *anthropic.Message) *ChatResult {
	result := &ChatResult{
		Usage: TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Text += b.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(b.Input)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(args),
			})
		}
	}
	return result
}
