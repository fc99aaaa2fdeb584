package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ShortTermMemory is one read-path exchange kept for conversational
// continuity: the user message, the summarized answer, and the retrieved
// evidence behind it.
type ShortTermMemory struct {
	ID               int64           `json:"id"`
	EndUserID        string          `json:"end_user_id"`
	Message          string          `json:"message"`
	Answer           string          `json:"answer"`
	RetrievedContent json.RawMessage `json:"retrieved_content"`
	CreatedAt        time.Time       `json:"created_at"`
}

// InsertShortTerm appends one exchange.
func (s *Store) InsertShortTerm(ctx context.Context, m ShortTermMemory) error {
	content := m.RetrievedContent
	if len(content) == 0 {
		content = json.RawMessage("[]")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO short_term_memories (end_user_id, message, answer, retrieved_content)
		VALUES ($1, $2, $3, $4)`,
		m.EndUserID, m.Message, m.Answer, content)
	if err != nil {
		return fmt.Errorf("failed to insert short-term memory: %w", err)
	}
	return nil
}

// RecentShortTerm returns the newest exchanges for a user, newest first.
func (s *Store) RecentShortTerm(ctx context.Context, endUserID string, limit int) ([]ShortTermMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, end_user_id, message, answer, retrieved_content, created_at
		FROM short_term_memories
		WHERE end_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, endUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load short-term memories: %w", err)
	}
	defer rows.Close()

	var out []ShortTermMemory
	for rows.Next() {
		var m ShortTermMemory
		if err := rows.Scan(&m.ID, &m.EndUserID, &m.Message, &m.Answer, &m.RetrievedContent, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
