// Package relational is the Postgres-backed store for everything that is
// not graph-shaped: per-config tuning rows, end users, short-term memory,
// task rows, workflow executions and their checkpoints.
package relational

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"memsci/internal/config"
	"memsci/internal/logging"
)

// Store wraps the pgx connection pool.
type Store struct {
	pool         *pgxpool.Pool
	alertPercent float64
}

// New connects to Postgres and runs migrations.
func New(ctx context.Context, cfg config.RelationalConfig) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("relational.url is required (set DATABASE_URL)")
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{pool: pool, alertPercent: cfg.PoolAlertPercent}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logging.Boot("Relational store ready: max_conns=%d", pool.Config().MaxConns)
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS memory_configs (
	config_id                   TEXT PRIMARY KEY,
	llm_model_id                TEXT NOT NULL DEFAULT '',
	embedding_model_id          TEXT NOT NULL DEFAULT '',
	rerank_alpha                DOUBLE PRECISION NOT NULL DEFAULT 0.6,
	activation_boost_factor     DOUBLE PRECISION NOT NULL DEFAULT 0.8,
	forgetting_threshold        DOUBLE PRECISION NOT NULL DEFAULT 0.3,
	access_history_cap          INTEGER NOT NULL DEFAULT 50,
	activation_decay_d          DOUBLE PRECISION NOT NULL DEFAULT 0.5,
	candidate_multiplier        INTEGER NOT NULL DEFAULT 3,
	fusion_sim_threshold        DOUBLE PRECISION NOT NULL DEFAULT 0.9,
	forgetting_tau_days         DOUBLE PRECISION NOT NULL DEFAULT 7,
	use_forgetting_rerank       BOOLEAN NOT NULL DEFAULT FALSE,
	max_tool_consecutive_calls  INTEGER NOT NULL DEFAULT 3,
	auto_max_iterations_base    INTEGER NOT NULL DEFAULT 5,
	auto_max_iterations_per_tool INTEGER NOT NULL DEFAULT 2,
	updated_at                  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS end_users (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL DEFAULT '',
	memory_insight        TEXT NOT NULL DEFAULT '',
	insight_updated_at    TIMESTAMPTZ,
	intro                 TEXT NOT NULL DEFAULT '',
	personality           TEXT NOT NULL DEFAULT '',
	core_values           TEXT NOT NULL DEFAULT '',
	one_sentence_summary  TEXT NOT NULL DEFAULT '',
	summary_updated_at    TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS short_term_memories (
	id                 BIGSERIAL PRIMARY KEY,
	end_user_id        TEXT NOT NULL,
	message            TEXT NOT NULL,
	answer             TEXT NOT NULL,
	retrieved_content  JSONB NOT NULL DEFAULT '[]',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_stm_user_created
	ON short_term_memories (end_user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	end_user_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}',
	status      TEXT NOT NULL DEFAULT 'pending',
	retries     INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_status
	ON tasks (end_user_id, status, created_at);

CREATE TABLE IF NOT EXISTS workflow_executions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	workspace_id    TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'running',
	checkpoint      JSONB,
	error           TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_executions_conversation
	ON workflow_executions (conversation_id, started_at DESC);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("relational migration failed: %w", err)
	}
	return nil
}

// PoolStats reports connection pool pressure for the health probe.
type PoolStats struct {
	Acquired     int32   `json:"acquired"`
	Idle         int32   `json:"idle"`
	Max          int32   `json:"max"`
	UsagePercent float64 `json:"usage_percent"`
	Alert        bool    `json:"alert"`
}

// PoolStats returns a snapshot of the pool.
func (s *Store) PoolStats() PoolStats {
	st := s.pool.Stat()
	stats := PoolStats{
		Acquired: st.AcquiredConns(),
		Idle:     st.IdleConns(),
		Max:      st.MaxConns(),
	}
	if stats.Max > 0 {
		stats.UsagePercent = float64(stats.Acquired) / float64(stats.Max) * 100
	}
	stats.Alert = s.alertPercent > 0 && stats.UsagePercent >= s.alertPercent
	return stats
}

// Ping verifies connectivity for the health probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
