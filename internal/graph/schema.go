package graph

import (
	"fmt"

	"memsci/internal/logging"
)

// migrate creates the node, edge, and full-text tables. Statements are
// idempotent; the store can be reopened over an existing database.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id               TEXT PRIMARY KEY,
			end_user_id      TEXT NOT NULL,
			category         TEXT NOT NULL,
			content          TEXT NOT NULL DEFAULT '',
			props            TEXT NOT NULL DEFAULT '{}',
			embedding        TEXT,
			created_at       TIMESTAMP NOT NULL,
			valid_at         TIMESTAMP,
			invalid_at       TIMESTAMP,
			activation_value REAL,
			access_history   TEXT NOT NULL DEFAULT '[]',
			importance_score REAL NOT NULL DEFAULT 0,
			version          INTEGER NOT NULL DEFAULT 0,
			is_active        INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_scope
			ON nodes (end_user_id, category, is_active)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_activation
			ON nodes (end_user_id, category, activation_value)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_created
			ON nodes (end_user_id, created_at)`,
		// Entity names are case-insensitively unique within an end user.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_entity_name
			ON nodes (end_user_id, lower(json_extract(props, '$.name')))
			WHERE category = 'ExtractedEntity' AND is_active = 1`,
		`CREATE TABLE IF NOT EXISTS edges (
			kind      TEXT NOT NULL,
			from_id   TEXT NOT NULL,
			to_id     TEXT NOT NULL,
			weight    REAL NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (kind, from_id, to_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges (to_id, kind)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
			content,
			node_id UNINDEXED,
			end_user_id UNINDEXED,
			category UNINDEXED
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryGraph).Error("Migration failed: %v", err)
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	logging.GraphDebug("Graph schema migrated")
	return nil
}

// createVecIndexes creates one vec0 virtual table per searchable category.
// Only called when the extension is present.
func (s *Store) createVecIndexes() error {
	for _, table := range []string{"vec_statement", "vec_chunk", "vec_entity", "vec_summary"} {
		if _, err := s.db.Exec(vecTableDDL(table, s.dimensions)); err != nil {
			return fmt.Errorf("failed to create %s: %w", table, err)
		}
	}
	return nil
}

// vecTableDDL builds the vec0 DDL for one category table. The embedding
// column declares cosine distance so KNN MATCH distances line up with the
// 1-cosine scoring in embeddingSearchVec and with the brute-force path.
func vecTableDDL(table string, dims int) string {
	return fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			node_id TEXT PRIMARY KEY,
			embedding FLOAT[%d] distance_metric=cosine
		)`, table, dims)
}

// vecTableFor maps a category to its vec0 table.
func vecTableFor(category string) string {
	switch category {
	case "Statement":
		return "vec_statement"
	case "Chunk":
		return "vec_chunk"
	case "ExtractedEntity":
		return "vec_entity"
	case "MemorySummary":
		return "vec_summary"
	}
	return ""
}
