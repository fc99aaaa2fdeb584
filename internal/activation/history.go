package activation

import (
	"context"
	"time"

	"memsci/internal/graph"
	"memsci/internal/logging"
	"memsci/internal/types"
)

// maxRetries bounds conflict retries for optimistic activation writes.
// On exhaustion the losing writer skips silently; a missed access event
// never fails a retrieval.
const maxRetries = 3

// Manager records access events and keeps activation values current.
// Chunk and Dialogue nodes are excluded: the raw-text layer does not
// participate in activation ranking.
type Manager struct {
	store *graph.Store
	decay float64
	cap   int
	now   func() time.Time
}

// NewManager returns a Manager with the given decay d and history cap.
func NewManager(store *graph.Store, decay float64, historyCap int) *Manager {
	if decay <= 0 {
		decay = DefaultDecay
	}
	if historyCap <= 0 {
		historyCap = 50
	}
	return &Manager{store: store, decay: decay, cap: historyCap, now: time.Now}
}

// RecordAccess appends an access timestamp to every knowledge node in hits,
// recomputes activation, and writes the batch per label with optimistic
// retry. Returns the refreshed hits (callers enrich their in-memory lists)
// keyed by node id.
func (m *Manager) RecordAccess(ctx context.Context, endUserID string, hits []graph.NodeHit) (map[string]graph.NodeHit, error) {
	timer := logging.StartTimer(logging.CategoryActivation, "RecordAccess")
	defer timer.Stop()

	// Deduplicate by id, preserving insertion order, and drop raw-text
	// layer nodes.
	seen := make(map[string]struct{}, len(hits))
	eligible := make([]graph.NodeHit, 0, len(hits))
	for _, h := range hits {
		if !h.Category.IsKnowledge() {
			continue
		}
		if _, ok := seen[h.ID]; ok {
			continue
		}
		seen[h.ID] = struct{}{}
		eligible = append(eligible, h)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	now := m.now()
	updated := make(map[string]graph.NodeHit, len(eligible))

	// One batched write per node label.
	for category, group := range graph.GroupByCategory(eligible) {
		pending := group
		for attempt := 0; attempt <= maxRetries && len(pending) > 0; attempt++ {
			updates := make([]graph.ActivationUpdate, 0, len(pending))
			for _, h := range pending {
				history := AppendAccess(h.AccessHistory, now, m.cap)
				act := Activation(history, now, m.decay)
				updates = append(updates, graph.ActivationUpdate{
					NodeID:        h.ID,
					Activation:    *act,
					AccessHistory: history,
					Version:       h.Version,
				})
				refreshed := h
				refreshed.AccessHistory = history
				refreshed.ActivationValue = act
				refreshed.Version = h.Version + 1
				updated[h.ID] = refreshed
			}

			conflicts, err := m.store.BatchUpdateActivation(ctx, endUserID, updates)
			if err != nil {
				return updated, types.WrapKind(types.ErrActivationUpdateConflict, err)
			}
			if len(conflicts) == 0 {
				pending = nil
				break
			}

			// Re-read the losing nodes and retry with fresh versions.
			fresh, err := m.store.ReadActivationState(ctx, endUserID, conflicts)
			if err != nil {
				return updated, types.WrapKind(types.ErrActivationUpdateConflict, err)
			}
			pending = pending[:0]
			for _, id := range conflicts {
				h, ok := fresh[id]
				if !ok {
					delete(updated, id) // node vanished mid-flight
					continue
				}
				pending = append(pending, h)
			}
		}
		if len(pending) > 0 {
			// Exhausted retries: log and continue, non-fatal.
			logging.Get(logging.CategoryActivation).Warn(
				"Activation update skipped for %d %s nodes after %d retries",
				len(pending), category, maxRetries)
			for _, h := range pending {
				delete(updated, h.ID)
			}
		}
	}

	logging.Get(logging.CategoryActivation).Debug("Recorded access for %d nodes", len(updated))
	return updated, nil
}

// InitializeAccess records the creation-time access for freshly ingested
// knowledge nodes. Same path as RecordAccess; kept separate so ingestion
// reads explicitly.
func (m *Manager) InitializeAccess(ctx context.Context, endUserID string, hits []graph.NodeHit) error {
	_, err := m.RecordAccess(ctx, endUserID, hits)
	return err
}
