package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// ActivationUpdate carries the recomputed activation state for one node.
// Version is the version the caller read; the write only lands when it
// still matches (optimistic concurrency).
type ActivationUpdate struct {
	NodeID        string
	Activation    float64
	AccessHistory []time.Time
	Version       int64
}

// ErrVersionConflict is returned when none of a node's conditional writes
// landed because another writer advanced the version first.
var ErrVersionConflict = fmt.Errorf("activation update version conflict")

// BatchUpdateActivation applies conditional activation writes in one
// transaction. Returns the ids whose guard failed; the caller re-reads and
// retries those.
func (s *Store) BatchUpdateActivation(ctx context.Context, endUserID string, updates []ActivationUpdate) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryActivation, "BatchUpdateActivation")
	defer timer.Stop()

	if len(updates) == 0 {
		return nil, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin activation transaction: %w", err)
	}
	defer tx.Rollback()

	var conflicts []string
	for _, u := range updates {
		historyJSON, err := json.Marshal(u.AccessHistory)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history for %s: %w", u.NodeID, err)
		}
		res, err := tx.Exec(
			`UPDATE nodes
			 SET activation_value = ?, access_history = ?, version = version + 1
			 WHERE id = ? AND end_user_id = ? AND version = ? AND is_active = 1`,
			u.Activation, string(historyJSON), u.NodeID, endUserID, u.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("activation update failed for %s: %w", u.NodeID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			conflicts = append(conflicts, u.NodeID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activation updates: %w", err)
	}

	if len(conflicts) > 0 {
		logging.Get(logging.CategoryActivation).Debug("Activation conflicts on %d/%d nodes", len(conflicts), len(updates))
	}
	return conflicts, nil
}

// ReadActivationState re-reads the current activation fields for a set of
// node ids, for conflict retries.
func (s *Store) ReadActivationState(ctx context.Context, endUserID string, nodeIDs []string) (map[string]NodeHit, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]NodeHit, len(nodeIDs))
	for _, id := range nodeIDs {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+nodeColumns+` FROM nodes
			 WHERE id = ? AND end_user_id = ? AND is_active = 1`, id, endUserID)
		hit, err := scanNode(row)
		if err != nil {
			continue
		}
		out[id] = hit
	}
	return out, nil
}

// GroupByCategory buckets hits by node category, for batching activation
// writes per label.
func GroupByCategory(hits []NodeHit) map[types.Category][]NodeHit {
	groups := make(map[types.Category][]NodeHit)
	for _, h := range hits {
		groups[h.Category] = append(groups[h.Category], h)
	}
	return groups
}
