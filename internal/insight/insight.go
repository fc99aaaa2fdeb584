// Package insight turns graph aggregates into cached prose: one memory
// insight paragraph and a four-part user summary, both written to the
// end-user row.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"memsci/internal/graph"
	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/relational"
	"memsci/internal/types"
)

// recentWindow bounds the activity aggregate fed to the insight prompt.
const recentWindow = 30 * 24 * time.Hour

// topEntities caps the entities named in prompts.
const topEntities = 10

// Engine generates and caches insight prose.
type Engine struct {
	store  *graph.Store
	rel    *relational.Store
	client llm.Client
	model  string
}

// NewEngine creates an insight Engine.
func NewEngine(store *graph.Store, rel *relational.Store, client llm.Client, model string) *Engine {
	return &Engine{store: store, rel: rel, client: client, model: model}
}

const insightSystemPrompt = `You write one short paragraph describing what a memory system
knows about a user, from aggregate statistics: how much is stored, which
domains dominate, which people and topics recur, and how active the user
has been recently. Plain prose, no lists, no headings.`

// RefreshInsight regenerates the memory insight paragraph and caches it.
func (e *Engine) RefreshInsight(ctx context.Context, endUserID string) (string, error) {
	timer := logging.StartTimer(logging.CategoryInsight, "RefreshInsight")
	defer timer.Stop()

	agg, err := e.store.Aggregate(ctx, endUserID, topEntities, recentWindow)
	if err != nil {
		return "", fmt.Errorf("aggregating memories for %s: %w", endUserID, err)
	}

	result, err := e.client.Chat(ctx, e.model, []llm.ChatMessage{
		{Role: "system", Content: insightSystemPrompt},
		{Role: "user", Content: describeAggregates(agg)},
	}, llm.ChatOptions{})
	if err != nil {
		return "", err
	}
	insight := strings.TrimSpace(result.Text)

	if err := e.rel.UpdateMemoryInsight(ctx, endUserID, insight); err != nil {
		return "", err
	}
	logging.Insight("Insight refreshed: user=%s chars=%d", endUserID, len(insight))
	return insight, nil
}

const summarySystemPrompt = `You write a four-part summary of a user from their most important
stored memories:
- intro: two or three sentences introducing who they are.
- personality: observable traits, grounded in the memories.
- core_values: what they appear to care about.
- one_sentence_summary: the whole person in one sentence.
Respond with JSON only.`

var summarySchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"intro", "personality", "core_values", "one_sentence_summary"},
	"properties": map[string]interface{}{
		"intro":                map[string]interface{}{"type": "string"},
		"personality":          map[string]interface{}{"type": "string"},
		"core_values":          map[string]interface{}{"type": "string"},
		"one_sentence_summary": map[string]interface{}{"type": "string"},
	},
}

// RefreshUserSummary regenerates the four-part user summary from the top
// statements and entities and caches it.
func (e *Engine) RefreshUserSummary(ctx context.Context, endUserID string) (*relational.UserSummary, error) {
	timer := logging.StartTimer(logging.CategoryInsight, "RefreshUserSummary")
	defer timer.Stop()

	agg, err := e.store.Aggregate(ctx, endUserID, topEntities, recentWindow)
	if err != nil {
		return nil, fmt.Errorf("aggregating memories for %s: %w", endUserID, err)
	}
	statements, err := e.store.TopByImportance(ctx, endUserID, types.CategoryStatement, 50)
	if err != nil {
		return nil, fmt.Errorf("loading statements for %s: %w", endUserID, err)
	}

	var b strings.Builder
	b.WriteString(describeAggregates(agg))
	b.WriteString("\nKey memories:\n")
	for _, s := range statements {
		fmt.Fprintf(&b, "- %s\n", s.Content)
	}

	result, err := e.client.Chat(ctx, e.model, []llm.ChatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: b.String()},
	}, llm.ChatOptions{Schema: summarySchema})
	if err != nil {
		return nil, err
	}

	var sum relational.UserSummary
	if err := json.Unmarshal(result.Structured, &sum); err != nil {
		return nil, types.Kindf(types.ErrLLMParseError, "decoding user summary: %w", err)
	}
	if err := e.rel.UpdateUserSummary(ctx, endUserID, sum); err != nil {
		return nil, err
	}
	logging.Insight("User summary refreshed: user=%s", endUserID)
	return &sum, nil
}

// describeAggregates renders the aggregates as prompt text.
func describeAggregates(agg *graph.Aggregates) string {
	var b strings.Builder
	b.WriteString("Memory counts:\n")
	for _, c := range types.SearchCategories {
		fmt.Fprintf(&b, "- %s: %d\n", c, agg.Counts[c])
	}
	if len(agg.EntityTypes) > 0 {
		b.WriteString("Entity types:\n")
		for t, n := range agg.EntityTypes {
			if t == "" {
				t = "unknown"
			}
			fmt.Fprintf(&b, "- %s: %d\n", t, n)
		}
	}
	if len(agg.TemporalKinds) > 0 {
		b.WriteString("Statement temporality:\n")
		for t, n := range agg.TemporalKinds {
			if t == "" {
				t = "unknown"
			}
			fmt.Fprintf(&b, "- %s: %d\n", t, n)
		}
	}
	if len(agg.TopEntities) > 0 {
		b.WriteString("Most important entities:\n")
		for _, e := range agg.TopEntities {
			fmt.Fprintf(&b, "- %s\n", e.Content)
		}
	}
	if len(agg.RecentDays) > 0 {
		fmt.Fprintf(&b, "Active days in the last 30: %d\n", len(agg.RecentDays))
	}
	return b.String()
}
