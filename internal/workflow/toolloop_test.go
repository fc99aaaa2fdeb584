package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memsci/internal/llm"
	"memsci/internal/types"
)

func TestToolLoopInvokesHandlerThenAnswers(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "lookup", Arguments: `{"q":"go"}`},
		}}},
		{result: llm.ChatResult{Text: "Go is a language."}},
	}}

	invoked := 0
	loop := &toolLoop{
		client: client,
		model:  "test-model",
		handlers: map[string]ToolHandler{
			"lookup": func(_ context.Context, call llm.ToolCall) (string, error) {
				invoked++
				assert.Equal(t, `{"q":"go"}`, call.Arguments)
				return "found it", nil
			},
		},
		cfg: types.DefaultMemoryConfig(),
	}

	result, err := loop.run(context.Background(), []llm.ChatMessage{{Role: "user", Content: "what is go"}}, llm.ChatOptions{
		Tools: []llm.ToolDef{{Name: "lookup"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Go is a language.", result.Text)
	assert.Equal(t, 1, invoked)

	// The tool result went back to the model as a tool-role message.
	last := client.seen[len(client.seen)-1]
	assert.Equal(t, "tool", last[len(last)-1].Role)
	assert.Equal(t, "found it", last[len(last)-1].Content)
}

func TestToolLoopGivesUpOnRepeatedCalls(t *testing.T) {
	cfg := types.DefaultMemoryConfig()
	cfg.MaxToolConsecutiveCalls = 2

	// The model keeps asking for the same tool.
	client := &scriptedClient{steps: []chatStep{
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup"}}}},
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c2", Name: "lookup"}}}},
		{result: llm.ChatResult{Text: "fine, giving an answer"}},
	}}

	invoked := 0
	loop := &toolLoop{
		client: client,
		model:  "test-model",
		handlers: map[string]ToolHandler{
			"lookup": func(context.Context, llm.ToolCall) (string, error) {
				invoked++
				return "same result", nil
			},
		},
		cfg: cfg,
	}

	result, err := loop.run(context.Background(), []llm.ChatMessage{{Role: "user", Content: "loop"}}, llm.ChatOptions{
		Tools: []llm.ToolDef{{Name: "lookup"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fine, giving an answer", result.Text)

	// Second consecutive call was answered synthetically, not invoked.
	assert.Equal(t, 1, invoked)
	last := client.seen[len(client.seen)-1]
	assert.Equal(t, giveUpResult, last[len(last)-1].Content)
}

func TestToolLoopIterationCeiling(t *testing.T) {
	cfg := types.DefaultMemoryConfig()
	cfg.AutoMaxIterationsBase = 1
	cfg.AutoMaxIterationsPerTool = 1
	cfg.MaxToolConsecutiveCalls = 100

	// Two tools, so the ceiling is 1 + 1*2 = 3 rounds, all tool calls.
	client := &scriptedClient{steps: []chatStep{
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "a"}}}},
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c2", Name: "b"}}}},
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c3", Name: "a"}}}},
		{result: llm.ChatResult{Text: "never reached"}},
	}}

	handler := func(context.Context, llm.ToolCall) (string, error) { return "ok", nil }
	loop := &toolLoop{
		client:   client,
		model:    "test-model",
		handlers: map[string]ToolHandler{"a": handler, "b": handler},
		cfg:      cfg,
	}

	result, err := loop.run(context.Background(), nil, llm.ChatOptions{
		Tools: []llm.ToolDef{{Name: "a"}, {Name: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, maxIterationsMessage, result.Text)
	assert.Len(t, client.seen, 3)
}

func TestToolLoopHandlerErrorFedBack(t *testing.T) {
	client := &scriptedClient{steps: []chatStep{
		{result: llm.ChatResult{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "flaky"}}}},
		{result: llm.ChatResult{Text: "recovered"}},
	}}

	loop := &toolLoop{
		client: client,
		model:  "test-model",
		handlers: map[string]ToolHandler{
			"flaky": func(context.Context, llm.ToolCall) (string, error) {
				return "", types.Kindf(types.ErrInvalidInput, "bad arguments")
			},
		},
		cfg: types.DefaultMemoryConfig(),
	}

	result, err := loop.run(context.Background(), nil, llm.ChatOptions{Tools: []llm.ToolDef{{Name: "flaky"}}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)

	last := client.seen[len(client.seen)-1]
	assert.Contains(t, last[len(last)-1].Content, "tool error")
}
