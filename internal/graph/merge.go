package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"memsci/internal/logging"
	"memsci/internal/types"
)

// MergeEntities fuses absorbedID into survivingID within the end user
// scope. The surviving node inherits all incoming and outgoing edges, the
// union of aliases, the deduplicated union of access histories (capped),
// and the max activation value. The absorbed node is soft-deleted.
func (s *Store) MergeEntities(ctx context.Context, endUserID, survivingID, absorbedID string, historyCap int) error {
	return s.mergeNodes(ctx, endUserID, survivingID, absorbedID, historyCap, true, "")
}

// MergeStatements fuses two statements, replacing the surviving statement's
// text with the fused content chosen by the caller (typically an LLM).
func (s *Store) MergeStatements(ctx context.Context, endUserID, survivingID, absorbedID string, historyCap int, fusedContent string) error {
	return s.mergeNodes(ctx, endUserID, survivingID, absorbedID, historyCap, false, fusedContent)
}

func (s *Store) mergeNodes(ctx context.Context, endUserID, survivingID, absorbedID string, historyCap int, unionAliases bool, fusedContent string) error {
	timer := logging.StartTimer(logging.CategoryGraph, "mergeNodes")
	defer timer.Stop()

	if survivingID == absorbedID {
		return fmt.Errorf("cannot merge a node with itself: %s", survivingID)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	surviving, err := readNodeTx(tx, endUserID, survivingID)
	if err != nil {
		return fmt.Errorf("surviving node %s: %w", survivingID, err)
	}
	absorbed, err := readNodeTx(tx, endUserID, absorbedID)
	if err != nil {
		return fmt.Errorf("absorbed node %s: %w", absorbedID, err)
	}
	if surviving.Category != absorbed.Category {
		return fmt.Errorf("cannot merge %s into %s: category mismatch (%s vs %s)",
			absorbedID, survivingID, absorbed.Category, surviving.Category)
	}

	// Re-point edges. INSERT OR IGNORE drops duplicates the surviving node
	// already has.
	reEdge := []struct{ col string }{{"from_id"}, {"to_id"}}
	for _, re := range reEdge {
		rows, err := tx.Query(fmt.Sprintf(
			`SELECT kind, from_id, to_id, weight FROM edges WHERE %s = ? AND is_active = 1`, re.col), absorbedID)
		if err != nil {
			return fmt.Errorf("failed to read edges of %s: %w", absorbedID, err)
		}
		var edges []types.Edge
		for rows.Next() {
			var e types.Edge
			if err := rows.Scan(&e.Kind, &e.FromID, &e.ToID, &e.Weight); err != nil {
				continue
			}
			edges = append(edges, e)
		}
		rows.Close()

		for _, e := range edges {
			from, to := e.FromID, e.ToID
			if from == absorbedID {
				from = survivingID
			}
			if to == absorbedID {
				to = survivingID
			}
			if from == to {
				continue // self-loop created by the merge; drop it
			}
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO edges (kind, from_id, to_id, weight, is_active) VALUES (?, ?, ?, ?, 1)`,
				string(e.Kind), from, to, e.Weight); err != nil {
				return fmt.Errorf("failed to re-point edge: %w", err)
			}
		}
	}
	if _, err := tx.Exec(`UPDATE edges SET is_active = 0 WHERE from_id = ? OR to_id = ?`, absorbedID, absorbedID); err != nil {
		return fmt.Errorf("failed to retire edges of %s: %w", absorbedID, err)
	}

	// Access history: deduplicated union, capped. Activation: max.
	mergedHistory := mergeHistories(surviving.AccessHistory, absorbed.AccessHistory, historyCap)
	historyJSON, err := json.Marshal(mergedHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal merged history: %w", err)
	}
	var mergedActivation interface{}
	switch {
	case surviving.ActivationValue != nil && absorbed.ActivationValue != nil:
		v := *surviving.ActivationValue
		if *absorbed.ActivationValue > v {
			v = *absorbed.ActivationValue
		}
		mergedActivation = v
	case surviving.ActivationValue != nil:
		mergedActivation = *surviving.ActivationValue
	case absorbed.ActivationValue != nil:
		mergedActivation = *absorbed.ActivationValue
	}

	if _, err := tx.Exec(
		`UPDATE nodes SET access_history = ?, activation_value = ?, version = version + 1
		 WHERE id = ? AND end_user_id = ?`,
		string(historyJSON), mergedActivation, survivingID, endUserID); err != nil {
		return fmt.Errorf("failed to update surviving node: %w", err)
	}

	if unionAliases {
		if err := unionEntityAliases(tx, endUserID, surviving, absorbed); err != nil {
			return err
		}
	}

	if fusedContent != "" {
		if _, err := tx.Exec(
			`UPDATE nodes SET content = ?, props = json_set(props, '$.statement', ?)
			 WHERE id = ? AND end_user_id = ?`,
			fusedContent, fusedContent, survivingID, endUserID); err != nil {
			return fmt.Errorf("failed to write fused content: %w", err)
		}
		if _, err := tx.Exec(`UPDATE nodes_fts SET content = ? WHERE node_id = ?`, fusedContent, survivingID); err != nil {
			return fmt.Errorf("failed to reindex fused content: %w", err)
		}
	}

	// Soft-delete the absorbed node and drop it from the keyword index.
	if _, err := tx.Exec(`UPDATE nodes SET is_active = 0 WHERE id = ? AND end_user_id = ?`, absorbedID, endUserID); err != nil {
		return fmt.Errorf("failed to retire absorbed node: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM nodes_fts WHERE node_id = ?`, absorbedID); err != nil {
		return fmt.Errorf("failed to unindex absorbed node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	logging.Graph("Merged %s %s into %s", surviving.Category, absorbedID, survivingID)
	return nil
}

// unionEntityAliases folds the absorbed entity's name and aliases into the
// surviving entity's alias set, case-insensitively deduplicated.
func unionEntityAliases(tx *sql.Tx, endUserID string, surviving, absorbed NodeHit) error {
	type entityProps struct {
		Name    string   `json:"name"`
		Aliases []string `json:"aliases"`
	}
	var sp, ap entityProps
	if err := json.Unmarshal(surviving.Props, &sp); err != nil {
		return fmt.Errorf("failed to parse surviving entity props: %w", err)
	}
	if err := json.Unmarshal(absorbed.Props, &ap); err != nil {
		return fmt.Errorf("failed to parse absorbed entity props: %w", err)
	}

	seen := map[string]struct{}{strings.ToLower(sp.Name): {}}
	union := append([]string{}, sp.Aliases...)
	for _, a := range sp.Aliases {
		seen[strings.ToLower(a)] = struct{}{}
	}
	for _, a := range append(ap.Aliases, ap.Name) {
		key := strings.ToLower(strings.TrimSpace(a))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		union = append(union, a)
	}

	aliasJSON, err := json.Marshal(union)
	if err != nil {
		return fmt.Errorf("failed to marshal alias union: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE nodes SET props = json_set(props, '$.aliases', json(?))
		 WHERE id = ? AND end_user_id = ?`,
		string(aliasJSON), surviving.ID, endUserID); err != nil {
		return fmt.Errorf("failed to write alias union: %w", err)
	}
	return nil
}

// mergeHistories unions two access histories, deduplicates identical
// timestamps, sorts ascending, and trims to cap keeping the newest entries.
func mergeHistories(a, b []time.Time, cap int) []time.Time {
	seen := make(map[int64]struct{}, len(a)+len(b))
	merged := make([]time.Time, 0, len(a)+len(b))
	for _, h := range [][]time.Time{a, b} {
		for _, t := range h {
			k := t.UnixNano()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, t)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	if cap > 0 && len(merged) > cap {
		merged = merged[len(merged)-cap:]
	}
	return merged
}

// readNodeTx reads one active node inside a transaction.
func readNodeTx(tx *sql.Tx, endUserID, id string) (NodeHit, error) {
	row := tx.QueryRow(
		`SELECT `+nodeColumns+` FROM nodes
		 WHERE id = ? AND end_user_id = ? AND is_active = 1`, id, endUserID)
	hit, err := scanNode(row)
	if err == sql.ErrNoRows {
		return hit, fmt.Errorf("not found or inactive")
	}
	if err != nil {
		return hit, err
	}
	return hit, nil
}
