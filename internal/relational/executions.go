package relational

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// WorkflowExecution is the durable record of one workflow run. Checkpoint
// holds the serialized variable pool and node cursor for resumption.
type WorkflowExecution struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	WorkspaceID    string          `json:"workspace_id"`
	UserID         string          `json:"user_id"`
	Status         string          `json:"status"`
	Checkpoint     json.RawMessage `json:"checkpoint,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// InsertExecution records the start of a run.
func (s *Store) InsertExecution(ctx context.Context, e WorkflowExecution) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (id, conversation_id, workspace_id, user_id, status)
		VALUES ($1, $2, $3, $4, 'running')`,
		e.ID, e.ConversationID, e.WorkspaceID, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", e.ID, err)
	}
	return nil
}

// SaveCheckpoint persists the serialized runtime state mid-run.
func (s *Store) SaveCheckpoint(ctx context.Context, executionID string, checkpoint json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET checkpoint = $2 WHERE id = $1`,
		executionID, checkpoint)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", executionID, err)
	}
	return nil
}

// FinishExecution closes a run with its terminal status.
func (s *Store) FinishExecution(ctx context.Context, executionID, status, errText string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, error = $3, finished_at = now()
		WHERE id = $1`, executionID, status, errText)
	if err != nil {
		return fmt.Errorf("failed to finish execution %s: %w", executionID, err)
	}
	return nil
}

// LatestExecution returns the most recent run for a conversation; nil when
// the conversation has none.
func (s *Store) LatestExecution(ctx context.Context, conversationID string) (*WorkflowExecution, error) {
	var e WorkflowExecution
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, workspace_id, user_id, status,
		       checkpoint, error, started_at, finished_at
		FROM workflow_executions
		WHERE conversation_id = $1
		ORDER BY started_at DESC LIMIT 1`, conversationID).
		Scan(&e.ID, &e.ConversationID, &e.WorkspaceID, &e.UserID, &e.Status,
			&e.Checkpoint, &e.Error, &e.StartedAt, &e.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution for %s: %w", conversationID, err)
	}
	return &e, nil
}
