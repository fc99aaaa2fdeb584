package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"memsci/internal/llm"
	"memsci/internal/types"
)

const extractSystemPrompt = `You are a memory extraction engine. Given one chunk of conversation,
extract atomic statements, named entities, and a one-sentence summary.

Rules:
- Each statement is a single self-contained clause about the user or the
  world, classified as FACT, OPINION, or PREDICTION.
- temporal_info is STATIC (always true), DYNAMIC (true for a period), or
  ATEMPORAL (no time dimension). DYNAMIC statements may carry valid_at and
  invalid_at as RFC 3339 timestamps.
- importance is 0.0-1.0: how much this matters for remembering the user.
- When a statement expresses emotion, fill emotion_type, emotion_intensity
  (0.0-1.0), emotion_subject, and emotion_keywords.
- Entities are people, places, organizations, or recurring concepts.
  Include aliases mentioned in the text.
- related_pairs lists entity name pairs that are directly related in this
  chunk.
Respond with JSON only.`

const extractStrictPrompt = extractSystemPrompt + `

Your previous response was not valid JSON for the required schema. Respond
with EXACTLY one JSON object matching the schema. No prose, no markdown
fences, no trailing commentary.`

var extractSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"statements", "entities", "summary"},
	"properties": map[string]interface{}{
		"statements": map[string]interface{}{"type": "array"},
		"entities":   map[string]interface{}{"type": "array"},
		"summary":    map[string]interface{}{"type": "string"},
		"related_pairs": map[string]interface{}{"type": "array"},
	},
}

type extractedStatement struct {
	Statement        string   `json:"statement"`
	StmtType         string   `json:"stmt_type"`
	TemporalInfo     string   `json:"temporal_info"`
	ValidAt          string   `json:"valid_at,omitempty"`
	InvalidAt        string   `json:"invalid_at,omitempty"`
	Importance       float64  `json:"importance"`
	EmotionType      string   `json:"emotion_type,omitempty"`
	EmotionIntensity float64  `json:"emotion_intensity,omitempty"`
	EmotionSubject   string   `json:"emotion_subject,omitempty"`
	EmotionKeywords  []string `json:"emotion_keywords,omitempty"`
}

type extractedEntity struct {
	Name             string   `json:"name"`
	EntityType       string   `json:"entity_type"`
	Description      string   `json:"description"`
	Aliases          []string `json:"aliases,omitempty"`
	ConnectStrength  float64  `json:"connect_strength"`
	IsExplicitMemory bool     `json:"is_explicit_memory"`
}

type relatedPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

type extraction struct {
	Statements   []extractedStatement `json:"statements"`
	Entities     []extractedEntity    `json:"entities"`
	Summary      string               `json:"summary"`
	RelatedPairs []relatedPair        `json:"related_pairs,omitempty"`
}

// extractChunk runs the structured extraction call for one chunk. A parse
// failure gets one retry with a stricter system prompt; a second failure
// fails the turn.
func extractChunk(ctx context.Context, client llm.Client, model, chunkContent string) (*extraction, error) {
	result, err := chatExtract(ctx, client, model, extractSystemPrompt, chunkContent)
	if err != nil {
		if !types.IsKind(err, types.ErrLLMParseError) {
			return nil, types.Kindf(types.ErrExtractionFailed, "extraction call: %w", err)
		}
		result, err = chatExtract(ctx, client, model, extractStrictPrompt, chunkContent)
		if err != nil {
			return nil, types.Kindf(types.ErrExtractionFailed, "extraction retry: %w", err)
		}
	}

	var out extraction
	if err := json.Unmarshal(result.Structured, &out); err != nil {
		return nil, types.Kindf(types.ErrExtractionFailed, "decoding extraction: %w", err)
	}
	return &out, nil
}

func chatExtract(ctx context.Context, client llm.Client, model, system, content string) (*llm.ChatResult, error) {
	messages := []llm.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: fmt.Sprintf("Chunk:\n%s", content)},
	}
	return client.Chat(ctx, model, messages, llm.ChatOptions{Schema: extractSchema})
}
