package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// NodeHit is a node returned from a graph query, annotated with the raw
// search score of the query that produced it.
type NodeHit struct {
	ID              string          `json:"id"`
	EndUserID       string          `json:"end_user_id"`
	Category        types.Category  `json:"category"`
	Content         string          `json:"content"`
	Props           json.RawMessage `json:"props"`
	Score           float64         `json:"score"`
	ActivationValue *float64        `json:"activation_value,omitempty"`
	AccessHistory   []time.Time     `json:"access_history,omitempty"`
	ImportanceScore float64         `json:"importance_score"`
	CreatedAt       time.Time       `json:"created_at"`
	Version         int64           `json:"version"`
	Embedding       []float32       `json:"-"`
}

const nodeColumns = `id, end_user_id, category, content, props, embedding,
	created_at, activation_value, access_history, importance_score, version`

// scanNode scans one row of nodeColumns into a NodeHit.
func scanNode(rows interface{ Scan(...interface{}) error }) (NodeHit, error) {
	var (
		hit        NodeHit
		props      string
		embedding  sql.NullString
		activation sql.NullFloat64
		history    string
	)
	err := rows.Scan(&hit.ID, &hit.EndUserID, &hit.Category, &hit.Content,
		&props, &embedding, &hit.CreatedAt, &activation, &history,
		&hit.ImportanceScore, &hit.Version)
	if err != nil {
		return hit, err
	}
	hit.Props = json.RawMessage(props)
	if activation.Valid {
		v := activation.Float64
		hit.ActivationValue = &v
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &hit.AccessHistory); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Access history unmarshal failed for node %s: %v", hit.ID, err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &hit.Embedding); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Embedding unmarshal failed for node %s: %v", hit.ID, err)
		}
	}
	return hit, nil
}

// nodeRow is the flattened insert form shared by all categories.
type nodeRow struct {
	base      types.NodeBase
	category  types.Category
	content   string
	props     interface{}
	embedding []float32
	validAt   *time.Time
	invalidAt *time.Time
}

// insertNode writes one node row and its FTS entry inside tx.
func insertNode(tx *sql.Tx, row nodeRow) error {
	propsJSON, err := json.Marshal(row.props)
	if err != nil {
		return fmt.Errorf("failed to marshal node props: %w", err)
	}
	historyJSON, err := json.Marshal(row.base.AccessHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal access history: %w", err)
	}

	var embJSON interface{}
	if len(row.embedding) > 0 {
		data, err := json.Marshal(row.embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		embJSON = string(data)
	}

	var activation interface{}
	if row.base.ActivationValue != nil {
		activation = *row.base.ActivationValue
	}

	_, err = tx.Exec(
		`INSERT INTO nodes (id, end_user_id, category, content, props, embedding,
			created_at, valid_at, invalid_at, activation_value, access_history,
			importance_score, version, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		row.base.ID, row.base.EndUserID, string(row.category), row.content,
		string(propsJSON), embJSON, row.base.CreatedAt, row.validAt,
		row.invalidAt, activation, string(historyJSON), row.base.ImportanceScore,
		row.base.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert node %s: %w", row.base.ID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO nodes_fts (content, node_id, end_user_id, category)
		 VALUES (?, ?, ?, ?)`,
		row.content, row.base.ID, row.base.EndUserID, string(row.category),
	)
	if err != nil {
		return fmt.Errorf("failed to index node %s: %w", row.base.ID, err)
	}
	return nil
}

// insertVec mirrors the embedding into the category's vec0 table when the
// extension is available.
func (s *Store) insertVec(tx *sql.Tx, category types.Category, nodeID string, embedding []float32) error {
	if !s.vectorExt || len(embedding) == 0 {
		return nil
	}
	table := vecTableFor(string(category))
	if table == "" {
		return nil
	}
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal vector: %w", err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %s (node_id, embedding) VALUES (?, ?)", table),
		nodeID, string(data),
	); err != nil {
		return fmt.Errorf("failed to insert vector for %s: %w", nodeID, err)
	}
	return nil
}

// GetByID returns one active node by id within the end user scope.
func (s *Store) GetByID(ctx context.Context, endUserID, id string) (*NodeHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE id = ? AND end_user_id = ? AND is_active = 1`, id, endUserID)
	hit, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return &hit, nil
}

// GetByChunkID returns the statements attached to a chunk via
// HAS_STATEMENT edges.
func (s *Store) GetByChunkID(ctx context.Context, endUserID, chunkID string) ([]NodeHit, error) {
	return s.childrenOf(ctx, endUserID, chunkID, types.EdgeHasStatement)
}

// GetByDialogueID returns the chunks attached to a dialogue via HAS_CHUNK
// edges.
func (s *Store) GetByDialogueID(ctx context.Context, endUserID, dialogueID string) ([]NodeHit, error) {
	return s.childrenOf(ctx, endUserID, dialogueID, types.EdgeHasChunk)
}

func (s *Store) childrenOf(ctx context.Context, endUserID, parentID string, kind types.EdgeKind) ([]NodeHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes n
		 JOIN edges e ON e.to_id = n.id AND e.kind = ? AND e.is_active = 1
		 WHERE e.from_id = ? AND n.end_user_id = ? AND n.is_active = 1
		 ORDER BY n.created_at`, string(kind), parentID, endUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to query children of %s: %w", parentID, err)
	}
	defer rows.Close()

	var hits []NodeHit
	for rows.Next() {
		hit, err := scanNode(rows)
		if err != nil {
			logging.Get(logging.CategoryGraph).Warn("Node row scan failed: %v", err)
			continue
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Edges returns the active edges of the given kind leaving fromID.
func (s *Store) Edges(ctx context.Context, fromID string, kind types.EdgeKind) ([]types.Edge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, from_id, to_id, weight FROM edges
		 WHERE from_id = ? AND kind = ? AND is_active = 1`, fromID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		if err := rows.Scan(&e.Kind, &e.FromID, &e.ToID, &e.Weight); err != nil {
			continue
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SoftDelete marks a node inactive. Retrieval ignores inactive rows; the
// row itself is never removed.
func (s *Store) SoftDelete(ctx context.Context, endUserID, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET is_active = 0 WHERE id = ? AND end_user_id = ?`, id, endUserID)
	if err != nil {
		return fmt.Errorf("failed to soft-delete node %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("node %s not found in scope %s", id, endUserID)
	}
	// Keep the FTS index in step so deleted rows stop matching.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes_fts WHERE node_id = ?`, id); err != nil {
		logging.Get(logging.CategoryGraph).Warn("FTS cleanup failed for %s: %v", id, err)
	}
	return nil
}

// CountNodes returns the number of active nodes per category for an end
// user. Used by invariant checks and the insight aggregates.
func (s *Store) CountNodes(ctx context.Context, endUserID string) (map[types.Category]int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM nodes
		 WHERE end_user_id = ? AND is_active = 1 GROUP BY category`, endUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to count nodes: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Category]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			continue
		}
		counts[types.Category(cat)] = n
	}
	return counts, rows.Err()
}
