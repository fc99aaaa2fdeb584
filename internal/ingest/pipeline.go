// Package ingest implements the turn ingestion pipeline: segment the raw
// messages, extract structured memories with the LLM, embed, dedup entities
// against the store, and persist everything atomically.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"memsci/internal/activation"
	"memsci/internal/embedding"
	"memsci/internal/graph"
	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// StorageType selects the persistence shape for ingested turns.
type StorageType string

const (
	// StorageGraph builds the full knowledge graph.
	StorageGraph StorageType = "graph"
	// StorageRAG persists only Dialogue and embedded Chunks.
	StorageRAG StorageType = "rag"
)

// Request is one turn to ingest.
type Request struct {
	EndUserID   string          `json:"end_user_id"`
	Messages    []types.Message `json:"messages"`
	StorageType StorageType     `json:"storage_type,omitempty"`
	Config      types.MemoryConfig
}

// Result summarizes what one turn produced.
type Result struct {
	DialogueID string        `json:"dialogue_id"`
	Chunks     int           `json:"chunks"`
	Statements int           `json:"statements"`
	Entities   int           `json:"entities"`
	Summaries  int           `json:"summaries"`
	Reused     int           `json:"reused_entities"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Pipeline runs turn ingestion. One ingestion per end user at a time; the
// task queue serializes calls per user, so the pipeline itself holds no
// user-level locks.
type Pipeline struct {
	store    *graph.Store
	embedder embedding.Engine
	client   llm.Client
	history  *activation.Manager
	model    string

	now func() time.Time
}

// New creates an ingestion Pipeline.
func New(store *graph.Store, embedder embedding.Engine, client llm.Client, history *activation.Manager, model string) *Pipeline {
	return &Pipeline{
		store:    store,
		embedder: embedder,
		client:   client,
		history:  history,
		model:    model,
		now:      time.Now,
	}
}

// IngestTurn runs the full pipeline for one turn. The persist step is
// all-or-nothing: any stage failure leaves the store untouched.
func (p *Pipeline) IngestTurn(ctx context.Context, req Request) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryIngest, "IngestTurn")
	defer timer.Stop()
	start := p.now()

	if req.EndUserID == "" {
		return nil, types.Kindf(types.ErrInvalidInput, "end_user_id is required")
	}
	if len(req.Messages) == 0 {
		return nil, types.Kindf(types.ErrInvalidInput, "messages are required")
	}
	storage := req.StorageType
	if storage == "" {
		storage = StorageGraph
	}

	now := p.now()
	dialogue, chunks := segmentTurn(req.EndUserID, req.Messages, now)
	logging.Ingest("Segmented turn: user=%s dialogue=%s chunks=%d", req.EndUserID, dialogue.ID, len(chunks))

	batch := graph.Batch{
		Dialogue:    &dialogue,
		Chunks:      chunks,
		AliasUnions: map[string][]string{},
	}
	for i := range chunks {
		batch.Edges = append(batch.Edges, types.Edge{
			Kind: types.EdgeHasChunk, FromID: dialogue.ID, ToID: chunks[i].ID,
		})
	}

	if err := p.embedChunks(ctx, batch.Chunks); err != nil {
		return nil, err
	}

	reused := 0
	if storage == StorageGraph {
		var err error
		reused, err = p.extractAll(ctx, req.EndUserID, &batch, now)
		if err != nil {
			return nil, err
		}
	}

	if err := p.store.UpsertIngestedBatch(ctx, batch); err != nil {
		return nil, types.Kindf(types.ErrPersistFailed, "persisting turn: %w", err)
	}

	if err := p.initializeActivation(ctx, req.EndUserID, batch, now); err != nil {
		logging.Get(logging.CategoryIngest).Error("Activation init failed for dialogue %s: %v", dialogue.ID, err)
	}

	result := &Result{
		DialogueID: dialogue.ID,
		Chunks:     len(batch.Chunks),
		Statements: len(batch.Statements),
		Entities:   len(batch.Entities),
		Summaries:  len(batch.Summaries),
		Reused:     reused,
		Elapsed:    p.now().Sub(start),
	}
	logging.Ingest("Turn ingested: user=%s dialogue=%s statements=%d entities=%d reused=%d elapsed=%s",
		req.EndUserID, dialogue.ID, result.Statements, result.Entities, result.Reused, result.Elapsed)
	return result, nil
}

// extractAll runs extraction over every chunk, embeds the results in one
// batched call per category, and dedups entities against the store. Returns
// the count of entities resolved to existing nodes.
func (p *Pipeline) extractAll(ctx context.Context, endUserID string, batch *graph.Batch, now time.Time) (int, error) {
	// Entity name -> node id across this turn, for MENTIONS and RELATED_TO
	// edges. Pre-existing store entities land here too.
	entityIDs := map[string]string{}
	reused := 0

	for ci := range batch.Chunks {
		chunk := &batch.Chunks[ci]
		ext, err := extractChunk(ctx, p.client, p.model, chunk.Content)
		if err != nil {
			return 0, err
		}

		stmtIDs := make([]string, 0, len(ext.Statements))
		for _, es := range ext.Statements {
			st := buildStatement(endUserID, chunk.ID, es, now)
			batch.Statements = append(batch.Statements, st)
			batch.Edges = append(batch.Edges, types.Edge{
				Kind: types.EdgeHasStatement, FromID: chunk.ID, ToID: st.ID,
			})
			stmtIDs = append(stmtIDs, st.ID)
		}

		for _, ee := range ext.Entities {
			id, wasReused, err := p.resolveEntity(ctx, endUserID, ee, entityIDs, batch, now)
			if err != nil {
				return 0, err
			}
			if wasReused {
				reused++
			}
			for _, sid := range stmtIDs {
				batch.Edges = append(batch.Edges, types.Edge{
					Kind: types.EdgeMentions, FromID: sid, ToID: id,
					Weight: ee.ConnectStrength,
				})
			}
		}

		for _, pair := range ext.RelatedPairs {
			a, okA := entityIDs[types.NormalizeContent(pair.A)]
			b, okB := entityIDs[types.NormalizeContent(pair.B)]
			if okA && okB && a != b {
				batch.Edges = append(batch.Edges, types.Edge{
					Kind: types.EdgeRelatedTo, FromID: a, ToID: b,
				})
			}
		}

		if summary := strings.TrimSpace(ext.Summary); summary != "" {
			sm := types.MemorySummary{
				NodeBase: types.NodeBase{
					ID: uuid.NewString(), EndUserID: endUserID,
					CreatedAt: now, ImportanceScore: 0.5, Version: 1, IsActive: true,
				},
				Content: summary,
			}
			batch.Summaries = append(batch.Summaries, sm)
			for _, sid := range stmtIDs {
				batch.Edges = append(batch.Edges, types.Edge{
					Kind: types.EdgeDerivedFromStatement, FromID: sm.ID, ToID: sid,
				})
			}
		}
	}

	if err := p.embedKnowledge(ctx, batch); err != nil {
		return 0, err
	}
	return reused, nil
}

// resolveEntity dedups one candidate entity: first against entities already
// seen this turn, then against the store by case-insensitive name and alias
// lookup. New entities are appended to the batch; matches get their alias
// sets unioned.
func (p *Pipeline) resolveEntity(ctx context.Context, endUserID string, ee extractedEntity, entityIDs map[string]string, batch *graph.Batch, now time.Time) (string, bool, error) {
	key := types.NormalizeContent(ee.Name)
	if key == "" {
		return "", false, types.Kindf(types.ErrExtractionFailed, "entity with empty name")
	}
	if id, ok := entityIDs[key]; ok {
		return id, false, nil
	}

	existing, err := p.store.FindEntityByName(ctx, endUserID, ee.Name)
	if err != nil {
		return "", false, fmt.Errorf("entity lookup for %q: %w", ee.Name, err)
	}
	if existing != nil {
		entityIDs[key] = existing.ID
		for _, alias := range ee.Aliases {
			entityIDs[types.NormalizeContent(alias)] = existing.ID
		}
		batch.AliasUnions[existing.ID] = unionAliases(existingAliases(existing), ee.Aliases, ee.Name)
		return existing.ID, true, nil
	}

	entity := types.ExtractedEntity{
		NodeBase: types.NodeBase{
			ID: uuid.NewString(), EndUserID: endUserID,
			CreatedAt: now, ImportanceScore: ee.ConnectStrength,
			Version: 1, IsActive: true,
		},
		Name:             ee.Name,
		EntityType:       ee.EntityType,
		Description:      ee.Description,
		Aliases:          dedupStrings(ee.Aliases),
		ConnectStrength:  ee.ConnectStrength,
		IsExplicitMemory: ee.IsExplicitMemory,
	}
	batch.Entities = append(batch.Entities, entity)
	entityIDs[key] = entity.ID
	for _, alias := range ee.Aliases {
		entityIDs[types.NormalizeContent(alias)] = entity.ID
	}
	return entity.ID, false, nil
}

// embedChunks fills chunk embeddings with one batched call.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}
	return nil
}

// embedKnowledge fills statement, entity name, and summary embeddings, one
// batched call per category.
func (p *Pipeline) embedKnowledge(ctx context.Context, batch *graph.Batch) error {
	if len(batch.Statements) > 0 {
		texts := make([]string, len(batch.Statements))
		for i := range batch.Statements {
			texts[i] = batch.Statements[i].Statement
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range batch.Statements {
			batch.Statements[i].Embedding = vectors[i]
		}
	}

	if len(batch.Entities) > 0 {
		texts := make([]string, len(batch.Entities))
		for i := range batch.Entities {
			texts[i] = batch.Entities[i].Name
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range batch.Entities {
			batch.Entities[i].NameEmbedding = vectors[i]
		}
	}

	if len(batch.Summaries) > 0 {
		texts := make([]string, len(batch.Summaries))
		for i := range batch.Summaries {
			texts[i] = batch.Summaries[i].Content
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i := range batch.Summaries {
			batch.Summaries[i].Embedding = vectors[i]
		}
	}
	return nil
}

// initializeActivation records the creation-time access for every knowledge
// node in the batch.
func (p *Pipeline) initializeActivation(ctx context.Context, endUserID string, batch graph.Batch, now time.Time) error {
	if p.history == nil {
		return nil
	}
	var hits []graph.NodeHit
	for i := range batch.Statements {
		hits = append(hits, knowledgeHit(batch.Statements[i].NodeBase, types.CategoryStatement))
	}
	for i := range batch.Entities {
		hits = append(hits, knowledgeHit(batch.Entities[i].NodeBase, types.CategoryEntity))
	}
	for i := range batch.Summaries {
		hits = append(hits, knowledgeHit(batch.Summaries[i].NodeBase, types.CategorySummary))
	}
	if len(hits) == 0 {
		return nil
	}
	return p.history.InitializeAccess(ctx, endUserID, hits)
}

func knowledgeHit(base types.NodeBase, category types.Category) graph.NodeHit {
	return graph.NodeHit{
		ID:              base.ID,
		EndUserID:       base.EndUserID,
		Category:        category,
		ActivationValue: base.ActivationValue,
		AccessHistory:   base.AccessHistory,
		ImportanceScore: base.ImportanceScore,
		CreatedAt:       base.CreatedAt,
		Version:         base.Version,
	}
}

func buildStatement(endUserID, chunkID string, es extractedStatement, now time.Time) types.Statement {
	st := types.Statement{
		NodeBase: types.NodeBase{
			ID: uuid.NewString(), EndUserID: endUserID,
			CreatedAt: now, ImportanceScore: es.Importance,
			Version: 1, IsActive: true,
		},
		ChunkID:          chunkID,
		Statement:        es.Statement,
		StmtType:         normalizeStmtType(es.StmtType),
		TemporalInfo:     normalizeTemporal(es.TemporalInfo),
		EmotionType:      es.EmotionType,
		EmotionIntensity: es.EmotionIntensity,
		EmotionSubject:   es.EmotionSubject,
		EmotionKeywords:  dedupStrings(es.EmotionKeywords),
	}
	if t, err := time.Parse(time.RFC3339, es.ValidAt); err == nil {
		st.ValidAt = &t
	}
	if t, err := time.Parse(time.RFC3339, es.InvalidAt); err == nil {
		st.InvalidAt = &t
	}
	return st
}

func normalizeStmtType(s string) types.StatementType {
	switch types.StatementType(strings.ToUpper(strings.TrimSpace(s))) {
	case types.StatementOpinion:
		return types.StatementOpinion
	case types.StatementPrediction:
		return types.StatementPrediction
	default:
		return types.StatementFact
	}
}

func normalizeTemporal(s string) types.TemporalInfo {
	switch types.TemporalInfo(strings.ToUpper(strings.TrimSpace(s))) {
	case types.TemporalStatic:
		return types.TemporalStatic
	case types.TemporalDynamic:
		return types.TemporalDynamic
	default:
		return types.TemporalAtemporal
	}
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// existingAliases decodes the alias list from a stored entity's props.
func existingAliases(hit *graph.NodeHit) []string {
	var props struct {
		Name    string   `json:"name"`
		Aliases []string `json:"aliases"`
	}
	if err := json.Unmarshal(hit.Props, &props); err != nil {
		return nil
	}
	return props.Aliases
}

func unionAliases(existing, incoming []string, incomingName string) []string {
	return dedupStrings(append(append(existing, incoming...), incomingName))
}
