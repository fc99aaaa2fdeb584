package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus tracks a queued task through its lifecycle.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskRow is the durable record behind one queued task.
type TaskRow struct {
	ID        string          `json:"id"`
	EndUserID string          `json:"end_user_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Retries   int             `json:"retries"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// InsertTask records a new pending task.
func (s *Store) InsertTask(ctx context.Context, t TaskRow) error {
	payload := t.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, end_user_id, kind, payload, status)
		VALUES ($1, $2, $3, $4, 'pending')`,
		t.ID, t.EndUserID, t.Kind, payload)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskStatus transitions a task, recording the error text on failure.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

// IncrementTaskRetries bumps the retry counter and re-queues the task.
func (s *Store) IncrementTaskRetries(ctx context.Context, id, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET retries = retries + 1, status = 'pending',
		       last_error = $2, updated_at = now()
		WHERE id = $1`, id, lastError)
	if err != nil {
		return fmt.Errorf("failed to bump retries for task %s: %w", id, err)
	}
	return nil
}

// PendingTasks loads pending tasks for recovery after a restart, oldest
// first, per user FIFO.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]TaskRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, end_user_id, kind, payload, status, retries, last_error,
		       created_at, updated_at
		FROM tasks WHERE status = 'pending'
		ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var status string
		if err := rows.Scan(&t.ID, &t.EndUserID, &t.Kind, &t.Payload, &status,
			&t.Retries, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = TaskStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
