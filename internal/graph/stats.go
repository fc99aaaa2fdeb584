package graph

import (
	"context"
	"fmt"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// Aggregates summarizes one user's memory graph for the insight engine.
type Aggregates struct {
	Counts        map[types.Category]int `json:"counts"`
	EntityTypes   map[string]int         `json:"entity_types"`
	TemporalKinds map[string]int         `json:"temporal_kinds"`
	TopEntities   []NodeHit              `json:"top_entities"`
	RecentDays    map[string]int         `json:"recent_days"`
}

// Aggregate computes the domain, time, and social aggregates for one user.
func (s *Store) Aggregate(ctx context.Context, endUserID string, topN int, recentWindow time.Duration) (*Aggregates, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Aggregate")
	defer timer.Stop()

	if topN <= 0 {
		topN = 10
	}

	counts, err := s.CountNodes(ctx, endUserID)
	if err != nil {
		return nil, err
	}

	agg := &Aggregates{
		Counts:        counts,
		EntityTypes:   map[string]int{},
		TemporalKinds: map[string]int{},
		RecentDays:    map[string]int{},
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(json_extract(props, '$.entity_type'), ''), COUNT(*)
		FROM nodes
		WHERE end_user_id = ? AND category = ? AND is_active = 1
		GROUP BY 1`, endUserID, string(types.CategoryEntity))
	if err != nil {
		return nil, fmt.Errorf("entity type aggregate failed: %w", err)
	}
	if err := scanCountMap(rows, agg.EntityTypes); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT COALESCE(json_extract(props, '$.temporal_info'), ''), COUNT(*)
		FROM nodes
		WHERE end_user_id = ? AND category = ? AND is_active = 1
		GROUP BY 1`, endUserID, string(types.CategoryStatement))
	if err != nil {
		return nil, fmt.Errorf("temporal aggregate failed: %w", err)
	}
	if err := scanCountMap(rows, agg.TemporalKinds); err != nil {
		return nil, err
	}

	since := time.Now().Add(-recentWindow)
	rows, err = s.db.QueryContext(ctx, `
		SELECT date(created_at), COUNT(*)
		FROM nodes
		WHERE end_user_id = ? AND is_active = 1 AND created_at >= ?
		GROUP BY 1 ORDER BY 1`, endUserID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("activity aggregate failed: %w", err)
	}
	if err := scanCountMap(rows, agg.RecentDays); err != nil {
		return nil, err
	}

	top, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE end_user_id = ? AND category = ? AND is_active = 1
		ORDER BY importance_score DESC, created_at DESC
		LIMIT ?`, endUserID, string(types.CategoryEntity), topN)
	if err != nil {
		return nil, fmt.Errorf("top entity query failed: %w", err)
	}
	defer top.Close()
	for top.Next() {
		hit, err := scanNode(top)
		if err != nil {
			logging.Get(logging.CategoryGraph).Warn("Node row scan failed: %v", err)
			continue
		}
		agg.TopEntities = append(agg.TopEntities, hit)
	}
	if err := top.Err(); err != nil {
		return nil, err
	}

	return agg, nil
}

// TopByImportance returns a category's highest-importance nodes, newest
// first within equal importance.
func (s *Store) TopByImportance(ctx context.Context, endUserID string, category types.Category, limit int) ([]NodeHit, error) {
	if limit <= 0 {
		limit = 10
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE end_user_id = ? AND category = ? AND is_active = 1
		ORDER BY importance_score DESC, created_at DESC
		LIMIT ?`, endUserID, string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("top importance query failed for %s: %w", category, err)
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

func scanCountMap(rows interface {
	Next() bool
	Scan(...interface{}) error
	Close() error
	Err() error
}, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
