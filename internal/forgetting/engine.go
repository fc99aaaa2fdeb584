package forgetting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"memsci/internal/graph"
	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// scanLimit bounds the low-activation candidates pulled per category per
// cycle so one oversized user cannot stall the periodic job.
const scanLimit = 200

// CycleReport counts the outcome of one forgetting cycle.
type CycleReport struct {
	Scanned int `json:"scanned"`
	Merged  int `json:"merged"`
	Failed  int `json:"failed"`
}

// Engine runs the periodic fusion cycle: low-activation memories that say
// nearly the same thing get merged into one surviving node.
type Engine struct {
	store  *graph.Store
	client llm.Client
	model  string
	cfg    types.MemoryConfig
}

// NewEngine creates a forgetting Engine.
func NewEngine(store *graph.Store, client llm.Client, model string, cfg types.MemoryConfig) *Engine {
	return &Engine{store: store, client: client, model: model, cfg: cfg}
}

// scanCategories are the node labels examined by the cycle. Chunk is
// scanned for completeness; it carries no activation so it never qualifies
// until a future layer assigns one.
var scanCategories = []types.Category{
	types.CategoryStatement, types.CategoryEntity, types.CategorySummary, types.CategoryChunk,
}

// RunCycle executes one forgetting pass for a single end user.
func (e *Engine) RunCycle(ctx context.Context, endUserID string) (*CycleReport, error) {
	timer := logging.StartTimer(logging.CategoryForgetting, "RunCycle")
	defer timer.Stop()

	report := &CycleReport{}
	for _, category := range scanCategories {
		hits, err := e.store.ScanLowActivation(ctx, endUserID, category, e.cfg.ForgettingThreshold, scanLimit)
		if err != nil {
			return report, fmt.Errorf("scanning %s: %w", category, err)
		}
		report.Scanned += len(hits)

		if !category.IsKnowledge() || len(hits) < 2 {
			continue
		}

		pairs := candidatePairs(hits, e.cfg.FusionSimThreshold)
		for _, pair := range pairs {
			if err := e.fusePair(ctx, endUserID, category, pair[0], pair[1]); err != nil {
				report.Failed++
				logging.Get(logging.CategoryForgetting).Error(
					"Fusion failed for %s + %s, keeping both: %v", pair[0].ID, pair[1].ID, err)
				continue
			}
			report.Merged++
		}
	}

	logging.Forgetting("Cycle done: user=%s scanned=%d merged=%d failed=%d",
		endUserID, report.Scanned, report.Merged, report.Failed)
	return report, nil
}

// candidatePairs finds node pairs whose embeddings exceed the fusion
// similarity threshold. Each node joins at most one pair per cycle;
// leftovers wait for the next pass.
func candidatePairs(hits []graph.NodeHit, threshold float64) [][2]graph.NodeHit {
	var pairs [][2]graph.NodeHit
	used := make(map[string]bool, len(hits))
	for i := 0; i < len(hits); i++ {
		if used[hits[i].ID] || len(hits[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(hits); j++ {
			if used[hits[j].ID] || len(hits[j].Embedding) == 0 {
				continue
			}
			sim, ok := graph.Cosine(hits[i].Embedding, hits[j].Embedding)
			if !ok || sim < threshold {
				continue
			}
			pairs = append(pairs, [2]graph.NodeHit{hits[i], hits[j]})
			used[hits[i].ID] = true
			used[hits[j].ID] = true
			break
		}
	}
	return pairs
}

const fuseSystemPrompt = `You merge two near-duplicate memory records into one.
Pick the record whose phrasing should survive and write the fused content
covering everything both records say, without inventing new information.
Respond with JSON only.`

var fuseSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"surviving", "fused_content"},
	"properties": map[string]interface{}{
		"surviving":     map[string]interface{}{"type": "string", "enum": []interface{}{"A", "B"}},
		"fused_content": map[string]interface{}{"type": "string"},
	},
}

type fuseDecision struct {
	Surviving    string `json:"surviving"`
	FusedContent string `json:"fused_content"`
}

// fusePair asks the LLM which record survives and with what content, then
// merges in the store.
func (e *Engine) fusePair(ctx context.Context, endUserID string, category types.Category, a, b graph.NodeHit) error {
	prompt := fmt.Sprintf("Record A (%s):\n%s\n\nRecord B (%s):\n%s", a.ID, a.Content, b.ID, b.Content)
	result, err := e.client.Chat(ctx, e.model, []llm.ChatMessage{
		{Role: "system", Content: fuseSystemPrompt},
		{Role: "user", Content: prompt},
	}, llm.ChatOptions{Schema: fuseSchema})
	if err != nil {
		return types.Kindf(types.ErrFusionFailed, "fusion decision: %w", err)
	}

	var decision fuseDecision
	if err := json.Unmarshal(result.Structured, &decision); err != nil {
		return types.Kindf(types.ErrFusionFailed, "decoding fusion decision: %w", err)
	}

	surviving, absorbed := a, b
	if strings.EqualFold(decision.Surviving, "B") {
		surviving, absorbed = b, a
	}

	historyCap := e.cfg.AccessHistoryCap
	switch category {
	case types.CategoryEntity:
		err = e.store.MergeEntities(ctx, endUserID, surviving.ID, absorbed.ID, historyCap)
	default:
		err = e.store.MergeStatements(ctx, endUserID, surviving.ID, absorbed.ID, historyCap, decision.FusedContent)
	}
	if err != nil {
		return types.Kindf(types.ErrFusionFailed, "store merge: %w", err)
	}

	logging.Forgetting("Fused %s into %s (%s)", absorbed.ID, surviving.ID, category)
	return nil
}
