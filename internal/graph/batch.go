package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// Batch is the unit of ingestion persistence: one dialogue with everything
// extracted from it. Written all-or-nothing.
type Batch struct {
	Dialogue   *types.Dialogue
	Chunks     []types.Chunk
	Statements []types.Statement
	Entities   []types.ExtractedEntity
	Summaries  []types.MemorySummary
	Edges      []types.Edge
	// AliasUnions maps an existing (deduped) entity id to the full alias
	// set it should carry after this turn.
	AliasUnions map[string][]string
}

// UpsertIngestedBatch writes a full turn atomically. Partial writes are
// forbidden; any failure rolls the whole turn back.
func (s *Store) UpsertIngestedBatch(ctx context.Context, batch Batch) error {
	timer := logging.StartTimer(logging.CategoryGraph, "UpsertIngestedBatch")
	defer timer.Stop()

	if batch.Dialogue == nil {
		return fmt.Errorf("batch requires a dialogue node")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	d := batch.Dialogue
	if err := insertNode(tx, nodeRow{base: d.NodeBase, category: types.CategoryDialogue, content: d.Content, props: d}); err != nil {
		return err
	}

	for i := range batch.Chunks {
		c := &batch.Chunks[i]
		if err := insertNode(tx, nodeRow{base: c.NodeBase, category: types.CategoryChunk, content: c.Content, props: c, embedding: c.Embedding}); err != nil {
			return err
		}
		if err := s.insertVec(tx, types.CategoryChunk, c.ID, c.Embedding); err != nil {
			return err
		}
	}

	for i := range batch.Statements {
		st := &batch.Statements[i]
		if err := insertNode(tx, nodeRow{
			base: st.NodeBase, category: types.CategoryStatement,
			content: st.Statement, props: st, embedding: st.Embedding,
			validAt: st.ValidAt, invalidAt: st.InvalidAt,
		}); err != nil {
			return err
		}
		if err := s.insertVec(tx, types.CategoryStatement, st.ID, st.Embedding); err != nil {
			return err
		}
	}

	for i := range batch.Entities {
		e := &batch.Entities[i]
		if err := insertNode(tx, nodeRow{base: e.NodeBase, category: types.CategoryEntity, content: e.Name, props: e, embedding: e.NameEmbedding}); err != nil {
			return err
		}
		if err := s.insertVec(tx, types.CategoryEntity, e.ID, e.NameEmbedding); err != nil {
			return err
		}
	}

	for i := range batch.Summaries {
		sm := &batch.Summaries[i]
		if err := insertNode(tx, nodeRow{base: sm.NodeBase, category: types.CategorySummary, content: sm.Content, props: sm, embedding: sm.Embedding}); err != nil {
			return err
		}
		if err := s.insertVec(tx, types.CategorySummary, sm.ID, sm.Embedding); err != nil {
			return err
		}
	}

	for _, e := range batch.Edges {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO edges (kind, from_id, to_id, weight, is_active)
			 VALUES (?, ?, ?, ?, 1)`,
			string(e.Kind), e.FromID, e.ToID, e.Weight,
		); err != nil {
			return fmt.Errorf("failed to insert edge %s %s->%s: %w", e.Kind, e.FromID, e.ToID, err)
		}
	}

	for entityID, aliases := range batch.AliasUnions {
		aliasJSON, err := json.Marshal(aliases)
		if err != nil {
			return fmt.Errorf("failed to marshal aliases for %s: %w", entityID, err)
		}
		if _, err := tx.Exec(
			`UPDATE nodes SET props = json_set(props, '$.aliases', json(?))
			 WHERE id = ? AND end_user_id = ?`,
			string(aliasJSON), entityID, d.EndUserID,
		); err != nil {
			return fmt.Errorf("failed to union aliases for %s: %w", entityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	logging.GraphDebug("Batch persisted: %d chunks, %d statements, %d entities, %d summaries, %d edges",
		len(batch.Chunks), len(batch.Statements), len(batch.Entities), len(batch.Summaries), len(batch.Edges))
	return nil
}
