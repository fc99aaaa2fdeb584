package workflow

import (
	"context"
	"fmt"

	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// ToolHandler executes one tool call and returns the result text fed back
// to the model.
type ToolHandler func(ctx context.Context, call llm.ToolCall) (string, error)

// maxIterationsMessage is returned to the user instead of erroring when the
// tool loop hits its iteration ceiling.
const maxIterationsMessage = "I could not finish within the allowed number of steps. Here is what I have so far."

// giveUpResult is the synthetic tool result injected when the same tool is
// called too many times in a row.
const giveUpResult = "This tool has been called repeatedly without progress. Stop calling it and answer with the information you already have."

// toolLoop drives an llm node with tools until the model answers in text or
// a stop condition fires.
type toolLoop struct {
	client   llm.Client
	model    string
	handlers map[string]ToolHandler
	cfg      types.MemoryConfig
}

// run iterates chat rounds. Stop conditions:
//   - max_iterations = base + per_tool * tool_count
//   - the same tool called max_tool_consecutive_calls times consecutively
//     yields a synthetic give-up result instead of invoking the tool
func (t *toolLoop) run(ctx context.Context, messages []llm.ChatMessage, opts llm.ChatOptions) (*llm.ChatResult, error) {
	maxIterations := t.cfg.AutoMaxIterationsBase + t.cfg.AutoMaxIterationsPerTool*len(opts.Tools)
	if maxIterations <= 0 {
		maxIterations = 5
	}

	var lastTool string
	consecutive := 0
	usage := llm.TokenUsage{}

	for iteration := 0; iteration < maxIterations; iteration++ {
		result, err := t.client.Chat(ctx, t.model, messages, opts)
		if err != nil {
			return nil, err
		}
		usage.PromptTokens += result.Usage.PromptTokens
		usage.CompletionTokens += result.Usage.CompletionTokens
		usage.TotalTokens += result.Usage.TotalTokens

		if len(result.ToolCalls) == 0 {
			result.Usage = usage
			return result, nil
		}

		messages = append(messages, llm.ChatMessage{
			Role: "assistant", Content: result.Text, ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			if call.Name == lastTool {
				consecutive++
			} else {
				lastTool = call.Name
				consecutive = 1
			}

			var toolResult string
			if t.cfg.MaxToolConsecutiveCalls > 0 && consecutive >= t.cfg.MaxToolConsecutiveCalls {
				logging.WorkflowDebug("Tool %s hit consecutive-call cap, injecting give-up", call.Name)
				toolResult = giveUpResult
			} else {
				toolResult, err = t.invoke(ctx, call)
				if err != nil {
					toolResult = fmt.Sprintf("tool error: %v", err)
				}
			}
			messages = append(messages, llm.ChatMessage{
				Role: "tool", Content: toolResult, ToolCallID: call.ID,
			})
		}
	}

	logging.Workflow("Tool loop hit max iterations (%d)", maxIterations)
	return &llm.ChatResult{Text: maxIterationsMessage, Usage: usage}, nil
}

func (t *toolLoop) invoke(ctx context.Context, call llm.ToolCall) (string, error) {
	handler, ok := t.handlers[call.Name]
	if !ok {
		return "", fmt.Errorf("no handler for tool %q", call.Name)
	}
	return handler(ctx, call)
}
