package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// KeywordSearch runs a BM25-ranked full-text query over one category.
// Higher scores are better matches.
func (s *Store) KeywordSearch(ctx context.Context, endUserID string, category types.Category, query string, limit int) ([]NodeHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "KeywordSearch")
	defer timer.Stop()

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	// bm25() is smaller-is-better; negate so callers always rank
	// descending.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixedNodeColumns("n")+`, -bm25(nodes_fts) AS score
		 FROM nodes_fts f
		 JOIN nodes n ON n.id = f.node_id
		 WHERE nodes_fts MATCH ?
		   AND f.end_user_id = ? AND f.category = ?
		   AND n.is_active = 1
		 ORDER BY score DESC
		 LIMIT ?`, match, endUserID, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed for %s: %w", category, err)
	}
	defer rows.Close()

	return collectScoredHits(rows)
}

// EmbeddingSearch runs cosine-similarity search over one category's vector
// index. Falls back to a brute-force scan when sqlite-vec is unavailable.
func (s *Store) EmbeddingSearch(ctx context.Context, endUserID string, category types.Category, vector []float32, limit int) ([]NodeHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "EmbeddingSearch")
	defer timer.Stop()

	if len(vector) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vectorExt {
		return s.embeddingSearchVec(ctx, endUserID, category, vector, limit)
	}
	return s.embeddingSearchBrute(ctx, endUserID, category, vector, limit)
}

// embeddingSearchVec uses the vec0 KNN index, then filters to the user
// scope. Over-fetching compensates for cross-user rows in the index.
func (s *Store) embeddingSearchVec(ctx context.Context, endUserID string, category types.Category, vector []float32, limit int) ([]NodeHit, error) {
	table := vecTableFor(string(category))
	if table == "" {
		return nil, fmt.Errorf("category %s has no vector index", category)
	}
	queryJSON, err := json.Marshal(vector)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query vector: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT `+prefixedNodeColumns("n")+`, 1.0 - v.distance AS score
		 FROM %s v
		 JOIN nodes n ON n.id = v.node_id
		 WHERE v.embedding MATCH ? AND v.k = ?
		   AND n.end_user_id = ? AND n.is_active = 1
		 ORDER BY score DESC`, table),
		string(queryJSON), limit*4, endUserID)
	if err != nil {
		return nil, fmt.Errorf("vector search failed for %s: %w", category, err)
	}
	defer rows.Close()

	hits, err := collectScoredHits(rows)
	if err != nil {
		return nil, err
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// embeddingSearchBrute scans stored embeddings and ranks by cosine
// similarity in process. Correct for any corpus; slow for large ones.
func (s *Store) embeddingSearchBrute(ctx context.Context, endUserID string, category types.Category, vector []float32, limit int) ([]NodeHit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE end_user_id = ? AND category = ? AND is_active = 1
		   AND embedding IS NOT NULL`, endUserID, string(category))
	if err != nil {
		return nil, fmt.Errorf("embedding scan failed for %s: %w", category, err)
	}
	defer rows.Close()

	var hits []NodeHit
	for rows.Next() {
		hit, err := scanNode(rows)
		if err != nil {
			logging.Get(logging.CategoryGraph).Warn("Node row scan failed: %v", err)
			continue
		}
		sim, ok := Cosine(vector, hit.Embedding)
		if !ok {
			continue
		}
		hit.Score = sim
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// TemporalSearch returns nodes of a category whose validity or creation
// falls inside [from, to], newest first.
func (s *Store) TemporalSearch(ctx context.Context, endUserID string, category types.Category, from, to time.Time, limit int) ([]NodeHit, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "TemporalSearch")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE end_user_id = ? AND category = ? AND is_active = 1
		   AND (
			(valid_at IS NOT NULL AND valid_at BETWEEN ? AND ?)
			OR (valid_at IS NULL AND created_at BETWEEN ? AND ?)
		   )
		 ORDER BY created_at DESC
		 LIMIT ?`, endUserID, string(category), from, to, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("temporal search failed for %s: %w", category, err)
	}
	defer rows.Close()

	var hits []NodeHit
	for rows.Next() {
		hit, err := scanNode(rows)
		if err != nil {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// FindEntityByName looks up an active entity by case-insensitive name or
// alias within the end user scope. Used by second-layer dedup.
func (s *Store) FindEntityByName(ctx context.Context, endUserID, name string) (*NodeHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	folded := strings.ToLower(strings.TrimSpace(name))
	if folded == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE end_user_id = ? AND category = 'ExtractedEntity' AND is_active = 1
		   AND lower(json_extract(props, '$.name')) = ?`, endUserID, folded)
	hit, err := scanNode(row)
	if err == nil {
		return &hit, nil
	}

	// Alias scan; aliases are a small JSON array per entity.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE end_user_id = ? AND category = 'ExtractedEntity' AND is_active = 1
		   AND props LIKE '%"aliases"%'`, endUserID)
	if err != nil {
		return nil, fmt.Errorf("entity alias scan failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		hit, err := scanNode(rows)
		if err != nil {
			continue
		}
		var props struct {
			Aliases []string `json:"aliases"`
		}
		if err := json.Unmarshal(hit.Props, &props); err != nil {
			continue
		}
		for _, alias := range props.Aliases {
			if strings.ToLower(strings.TrimSpace(alias)) == folded {
				return &hit, nil
			}
		}
	}
	return nil, rows.Err()
}

// ScanLowActivation returns active knowledge nodes of a category whose
// activation has decayed below threshold. Never-accessed nodes (nil
// activation) are not candidates.
func (s *Store) ScanLowActivation(ctx context.Context, endUserID string, category types.Category, threshold float64, limit int) ([]NodeHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE end_user_id = ? AND category = ? AND is_active = 1
		   AND activation_value IS NOT NULL AND activation_value < ?
		 ORDER BY activation_value ASC
		 LIMIT ?`, endUserID, string(category), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("low-activation scan failed for %s: %w", category, err)
	}
	defer rows.Close()

	var hits []NodeHit
	for rows.Next() {
		hit, err := scanNode(rows)
		if err != nil {
			continue
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// ftsQuery quotes each token so user punctuation cannot break FTS5 syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// prefixedNodeColumns qualifies nodeColumns with a table alias.
func prefixedNodeColumns(alias string) string {
	cols := strings.Split(nodeColumns, ",")
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		out = append(out, alias+"."+strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}

// collectScoredHits scans rows of nodeColumns plus a trailing score column.
func collectScoredHits(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]NodeHit, error) {
	var hits []NodeHit
	for rows.Next() {
		var (
			hit        NodeHit
			props      string
			embedding  *string
			activation *float64
			history    string
		)
		if err := rows.Scan(&hit.ID, &hit.EndUserID, &hit.Category, &hit.Content,
			&props, &embedding, &hit.CreatedAt, &activation, &history,
			&hit.ImportanceScore, &hit.Version, &hit.Score); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Scored row scan failed: %v", err)
			continue
		}
		hit.Props = json.RawMessage(props)
		hit.ActivationValue = activation
		if history != "" {
			_ = json.Unmarshal([]byte(history), &hit.AccessHistory)
		}
		if embedding != nil && *embedding != "" {
			_ = json.Unmarshal([]byte(*embedding), &hit.Embedding)
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Cosine computes cosine similarity; ok is false on dimension mismatch or
// zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, ma, mb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		ma += float64(a[i]) * float64(a[i])
		mb += float64(b[i]) * float64(b[i])
	}
	if ma == 0 || mb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb)), true
}
