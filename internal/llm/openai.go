package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// OpenAIClient adapts any OpenAI-compatible endpoint (OpenAI, DashScope,
// Xinference, GPUStack) to the Client interface. The shape selects the
// multimodal content-part layout for the endpoint.
type OpenAIClient struct {
	client openai.Client
	shape  ContentShape
}

// NewOpenAIClient creates an adapter for an OpenAI-compatible endpoint.
// An empty baseURL targets api.openai.com.
func NewOpenAIClient(apiKey, baseURL string, shape ContentShape) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{client: openai.NewClient(opts...), shape: shape}
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []ChatMessage, opts ChatOptions) (*ChatResult, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "openai.Chat")
	defer timer.Stop()

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: c.buildMessages(messages, opts),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}
	for _, t := range opts.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(
			shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			}))
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

func (c *OpenAIClient) chatOnce(ctx context.Context, params openai.ChatCompletionNewParams) (*ChatResult, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	choice := resp.Choices[0]
	result := &ChatResult{
		Text: choice.Message.Content,
		Usage: TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

func (c *OpenAIClient) chatStream(ctx context.Context, params openai.ChatCompletionNewParams, opts ChatOptions) (*ChatResult, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && opts.OnToken != nil {
			opts.OnToken(chunk.Choices[0].Delta.Content)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat stream failed: %w", err)
	}
	if len(acc.Choices) == 0 {
		return nil, fmt.Errorf("chat stream returned no choices")
	}

	choice := acc.Choices[0]
	result := &ChatResult{
		Text: choice.Message.Content,
		Usage: TokenUsage{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildMessages converts the neutral message list into SDK params. A
// schema instruction rides on the last system message for endpoints
// without native structured output.
func (c *OpenAIClient) buildMessages(messages []ChatMessage, opts ChatOptions) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	sawSystem := false
	for _, m := range messages {
		content := m.Content
		if len(m.Parts) > 0 {
			// Multimodal parts flattened to text for the chat API; the
			// shaped parts are used by multimodal collaborators upstream.
			content = FlattenParts(m.Parts)
		}
		switch m.Role {
		case "system":
			if opts.Schema != nil && !sawSystem {
				content += SchemaPrompt(opts.Schema)
			}
			sawSystem = true
			out = append(out, openai.SystemMessage(content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				out = append(out, assistantWithToolCalls(content, m.ToolCalls))
				continue
			}
			out = append(out, openai.AssistantMessage(content))
		case "tool":
			out = append(out, openai.ToolMessage(content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(content))
		}
	}
	if opts.Schema != nil && !sawSystem {
		data, _ := json.Marshal(opts.Schema)
		out = append([]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("Respond with a single JSON value matching this JSON schema, and nothing else:\n" + string(data)),
		}, out...)
	}
	return out
}

// assistantWithToolCalls rebuilds an assistant turn that requested tools, so
// the tool result messages that follow it stay valid.
func assistantWithToolCalls(content string, calls []ToolCall) openai.ChatCompletionMessageParamUnion {
	msg := openai.ChatCompletionAssistantMessageParam{}
	if content != "" {
		msg.Content.OfString = openai.String(content)
	}
	for _, tc := range calls {
		msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &msg}
}
