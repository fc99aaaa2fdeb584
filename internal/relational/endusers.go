package relational

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// EndUser is one memory owner, with the insight-generated prose cached on
// the row.
type EndUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	MemoryInsight    string     `json:"memory_insight"`
	InsightUpdatedAt *time.Time `json:"insight_updated_at,omitempty"`

	Intro              string     `json:"intro"`
	Personality        string     `json:"personality"`
	CoreValues         string     `json:"core_values"`
	OneSentenceSummary string     `json:"one_sentence_summary"`
	SummaryUpdatedAt   *time.Time `json:"summary_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserSummary is the four-part summary the insight engine writes.
type UserSummary struct {
	Intro              string `json:"intro"`
	Personality        string `json:"personality"`
	CoreValues         string `json:"core_values"`
	OneSentenceSummary string `json:"one_sentence_summary"`
}

// EnsureEndUser creates the user row if absent.
func (s *Store) EnsureEndUser(ctx context.Context, id, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO end_users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return fmt.Errorf("failed to ensure end user %s: %w", id, err)
	}
	return nil
}

// GetEndUser loads one user row; nil when absent.
func (s *Store) GetEndUser(ctx context.Context, id string) (*EndUser, error) {
	var u EndUser
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, memory_insight, insight_updated_at,
		       intro, personality, core_values, one_sentence_summary,
		       summary_updated_at, created_at, updated_at
		FROM end_users WHERE id = $1`, id).
		Scan(&u.ID, &u.Name, &u.MemoryInsight, &u.InsightUpdatedAt,
			&u.Intro, &u.Personality, &u.CoreValues, &u.OneSentenceSummary,
			&u.SummaryUpdatedAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load end user %s: %w", id, err)
	}
	return &u, nil
}

// ListEndUsers returns all user ids, for the periodic jobs that sweep every
// user.
func (s *Store) ListEndUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM end_users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list end users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMemoryInsight caches the insight paragraph on the user row.
func (s *Store) UpdateMemoryInsight(ctx context.Context, id, insight string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE end_users
		SET memory_insight = $2, insight_updated_at = now(), updated_at = now()
		WHERE id = $1`, id, insight)
	if err != nil {
		return fmt.Errorf("failed to update insight for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end user %s not found", id)
	}
	return nil
}

// UpdateUserSummary caches the four-part summary on the user row.
func (s *Store) UpdateUserSummary(ctx context.Context, id string, sum UserSummary) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE end_users
		SET intro = $2, personality = $3, core_values = $4,
		    one_sentence_summary = $5, summary_updated_at = now(), updated_at = now()
		WHERE id = $1`,
		id, sum.Intro, sum.Personality, sum.CoreValues, sum.OneSentenceSummary)
	if err != nil {
		return fmt.Errorf("failed to update summary for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("end user %s not found", id)
	}
	return nil
}
