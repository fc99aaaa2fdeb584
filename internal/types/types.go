// Package types defines the shared domain model for the memory engine:
// graph node kinds, dialogue messages, search hits, and the per-request
// memory configuration object.
package types

import (
	"strings"
	"time"
)

// =============================================================================
// NODE CATEGORIES
// =============================================================================

// Category identifies a node label in the property graph.
type Category string

const (
	CategoryDialogue  Category = "Dialogue"
	CategoryChunk     Category = "Chunk"
	CategoryStatement Category = "Statement"
	CategoryEntity    Category = "ExtractedEntity"
	CategorySummary   Category = "MemorySummary"
)

// KnowledgeCategories are the node labels that participate in activation
// tracking and the forgetting cycle. Dialogue and Chunk belong to the
// raw-text layer and are excluded.
var KnowledgeCategories = []Category{CategoryStatement, CategoryEntity, CategorySummary}

// SearchCategories are the node labels addressable by hybrid search.
var SearchCategories = []Category{CategoryStatement, CategoryChunk, CategoryEntity, CategorySummary}

// IsKnowledge reports whether the category participates in activation updates.
func (c Category) IsKnowledge() bool {
	switch c {
	case CategoryStatement, CategoryEntity, CategorySummary:
		return true
	}
	return false
}

// =============================================================================
// STATEMENT ENUMS
// =============================================================================

// StatementType classifies a statement clause.
type StatementType string

const (
	StatementFact       StatementType = "FACT"
	StatementOpinion    StatementType = "OPINION"
	StatementPrediction StatementType = "PREDICTION"
)

// TemporalInfo classifies the temporal validity of a statement.
type TemporalInfo string

const (
	TemporalStatic    TemporalInfo = "STATIC"
	TemporalDynamic   TemporalInfo = "DYNAMIC"
	TemporalAtemporal TemporalInfo = "ATEMPORAL"
)

// =============================================================================
// GRAPH NODES
// =============================================================================

// NodeBase carries the fields common to every graph node. ActivationValue
// is a pointer: nil means the node has never been accessed and is excluded
// from activation-based ranking.
type NodeBase struct {
	ID              string      `json:"id"`
	EndUserID       string      `json:"end_user_id"`
	CreatedAt       time.Time   `json:"created_at"`
	ActivationValue *float64    `json:"activation_value,omitempty"`
	AccessHistory   []time.Time `json:"access_history,omitempty"`
	ImportanceScore float64     `json:"importance_score,omitempty"`
	Version         int64       `json:"version"`
	IsActive        bool        `json:"is_active"`
}

// Dialogue is a raw conversational turn as received.
type Dialogue struct {
	NodeBase
	Content string `json:"content"`
}

// Chunk is one addressable unit of a Dialogue after segmentation.
type Chunk struct {
	NodeBase
	DialogueID string `json:"dialogue_id"`
	Content    string `json:"content"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Statement is an atomic factual/opinion/prediction clause extracted from
// a Chunk.
type Statement struct {
	NodeBase
	ChunkID          string        `json:"chunk_id"`
	Statement        string        `json:"statement"`
	StmtType         StatementType `json:"stmt_type"`
	TemporalInfo     TemporalInfo  `json:"temporal_info"`
	ValidAt          *time.Time    `json:"valid_at,omitempty"`
	InvalidAt        *time.Time    `json:"invalid_at,omitempty"`
	EmotionType      string        `json:"emotion_type,omitempty"`
	EmotionIntensity float64       `json:"emotion_intensity,omitempty"`
	EmotionSubject   string        `json:"emotion_subject,omitempty"`
	EmotionKeywords  []string      `json:"emotion_keywords,omitempty"`
	Embedding        []float32     `json:"embedding,omitempty"`
}

// ExtractedEntity is a named entity mentioned across statements. Names are
// case-insensitively unique within an end user; dedup merges aliases.
type ExtractedEntity struct {
	NodeBase
	Name             string    `json:"name"`
	EntityType       string    `json:"entity_type"`
	Description      string    `json:"description"`
	Aliases          []string  `json:"aliases,omitempty"`
	ConnectStrength  float64   `json:"connect_strength"`
	IsExplicitMemory bool      `json:"is_explicit_memory"`
	NameEmbedding    []float32 `json:"name_embedding,omitempty"`
}

// MemorySummary is an LLM-written summary over a group of statements.
type MemorySummary struct {
	NodeBase
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// =============================================================================
// EDGES
// =============================================================================

// EdgeKind names a relationship type in the graph.
type EdgeKind string

const (
	EdgeHasChunk             EdgeKind = "HAS_CHUNK"
	EdgeHasStatement         EdgeKind = "HAS_STATEMENT"
	EdgeMentions             EdgeKind = "MENTIONS"
	EdgeDerivedFromStatement EdgeKind = "DERIVED_FROM_STATEMENT"
	EdgeRelatedTo            EdgeKind = "RELATED_TO"
)

// Edge is a directed, optionally weighted relationship between two nodes.
type Edge struct {
	Kind   EdgeKind `json:"kind"`
	FromID string   `json:"from_id"`
	ToID   string   `json:"to_id"`
	Weight float64  `json:"weight,omitempty"`
}

// =============================================================================
// MESSAGES
// =============================================================================

// Message is one turn of user/assistant dialogue.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// MEMORY CONFIG
// =============================================================================

// MemoryConfig is the per-config_id tuning object, loaded once per request
// and threaded explicitly. Never process-global.
type MemoryConfig struct {
	ConfigID              string  `json:"config_id" yaml:"config_id"`
	LLMModelID            string  `json:"llm_model_id" yaml:"llm_model_id"`
	EmbeddingModelID      string  `json:"embedding_model_id" yaml:"embedding_model_id"`
	RerankAlpha           float64 `json:"rerank_alpha" yaml:"rerank_alpha"`
	ActivationBoostFactor float64 `json:"activation_boost_factor" yaml:"activation_boost_factor"`
	ForgettingThreshold   float64 `json:"forgetting_threshold" yaml:"forgetting_threshold"`
	AccessHistoryCap      int     `json:"access_history_cap" yaml:"access_history_cap"`
	ActivationDecayD      float64 `json:"activation_decay_d" yaml:"activation_decay_d"`
	CandidateMultiplier   int     `json:"candidate_multiplier" yaml:"candidate_multiplier"`
	FusionSimThreshold    float64 `json:"fusion_sim_threshold" yaml:"fusion_sim_threshold"`
	ForgettingTauDays     float64 `json:"forgetting_tau_days" yaml:"forgetting_tau_days"`
	UseForgettingRerank   bool    `json:"use_forgetting_rerank" yaml:"use_forgetting_rerank"`

	// LLM tool-loop stop conditions.
	MaxToolConsecutiveCalls  int `json:"max_tool_consecutive_calls" yaml:"max_tool_consecutive_calls"`
	AutoMaxIterationsBase    int `json:"auto_max_iterations_base" yaml:"auto_max_iterations_base"`
	AutoMaxIterationsPerTool int `json:"auto_max_iterations_per_tool" yaml:"auto_max_iterations_per_tool"`
}

// DefaultMemoryConfig returns the documented defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		RerankAlpha:              0.6,
		ActivationBoostFactor:    0.8,
		ForgettingThreshold:      0.3,
		AccessHistoryCap:         50,
		ActivationDecayD:         0.5,
		CandidateMultiplier:      3,
		FusionSimThreshold:       0.9,
		ForgettingTauDays:        7,
		MaxToolConsecutiveCalls:  3,
		AutoMaxIterationsBase:    5,
		AutoMaxIterationsPerTool: 2,
	}
}

// NormalizeContent lowercases and trims content for dedup hashing.
func NormalizeContent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
