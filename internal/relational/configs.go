package relational

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"memsci/internal/types"
)

// GetMemoryConfig loads the tuning row for a config id. A missing row
// returns the documented defaults; the zero config id always does.
func (s *Store) GetMemoryConfig(ctx context.Context, configID string) (types.MemoryConfig, error) {
	cfg := types.DefaultMemoryConfig()
	cfg.ConfigID = configID
	if configID == "" {
		return cfg, nil
	}

	row := s.pool.QueryRow(ctx, `
		SELECT llm_model_id, embedding_model_id, rerank_alpha,
		       activation_boost_factor, forgetting_threshold,
		       access_history_cap, activation_decay_d, candidate_multiplier,
		       fusion_sim_threshold, forgetting_tau_days, use_forgetting_rerank,
		       max_tool_consecutive_calls, auto_max_iterations_base,
		       auto_max_iterations_per_tool
		FROM memory_configs WHERE config_id = $1`, configID)

	err := row.Scan(
		&cfg.LLMModelID, &cfg.EmbeddingModelID, &cfg.RerankAlpha,
		&cfg.ActivationBoostFactor, &cfg.ForgettingThreshold,
		&cfg.AccessHistoryCap, &cfg.ActivationDecayD, &cfg.CandidateMultiplier,
		&cfg.FusionSimThreshold, &cfg.ForgettingTauDays, &cfg.UseForgettingRerank,
		&cfg.MaxToolConsecutiveCalls, &cfg.AutoMaxIterationsBase,
		&cfg.AutoMaxIterationsPerTool,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to load memory config %s: %w", configID, err)
	}
	return cfg, nil
}

// UpsertMemoryConfig writes a tuning row.
func (s *Store) UpsertMemoryConfig(ctx context.Context, cfg types.MemoryConfig) error {
	if cfg.ConfigID == "" {
		return fmt.Errorf("config_id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_configs (
			config_id, llm_model_id, embedding_model_id, rerank_alpha,
			activation_boost_factor, forgetting_threshold, access_history_cap,
			activation_decay_d, candidate_multiplier, fusion_sim_threshold,
			forgetting_tau_days, use_forgetting_rerank,
			max_tool_consecutive_calls, auto_max_iterations_base,
			auto_max_iterations_per_tool, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,now())
		ON CONFLICT (config_id) DO UPDATE SET
			llm_model_id = EXCLUDED.llm_model_id,
			embedding_model_id = EXCLUDED.embedding_model_id,
			rerank_alpha = EXCLUDED.rerank_alpha,
			activation_boost_factor = EXCLUDED.activation_boost_factor,
			forgetting_threshold = EXCLUDED.forgetting_threshold,
			access_history_cap = EXCLUDED.access_history_cap,
			activation_decay_d = EXCLUDED.activation_decay_d,
			candidate_multiplier = EXCLUDED.candidate_multiplier,
			fusion_sim_threshold = EXCLUDED.fusion_sim_threshold,
			forgetting_tau_days = EXCLUDED.forgetting_tau_days,
			use_forgetting_rerank = EXCLUDED.use_forgetting_rerank,
			max_tool_consecutive_calls = EXCLUDED.max_tool_consecutive_calls,
			auto_max_iterations_base = EXCLUDED.auto_max_iterations_base,
			auto_max_iterations_per_tool = EXCLUDED.auto_max_iterations_per_tool,
			updated_at = now()`,
		cfg.ConfigID, cfg.LLMModelID, cfg.EmbeddingModelID, cfg.RerankAlpha,
		cfg.ActivationBoostFactor, cfg.ForgettingThreshold, cfg.AccessHistoryCap,
		cfg.ActivationDecayD, cfg.CandidateMultiplier, cfg.FusionSimThreshold,
		cfg.ForgettingTauDays, cfg.UseForgettingRerank,
		cfg.MaxToolConsecutiveCalls, cfg.AutoMaxIterationsBase,
		cfg.AutoMaxIterationsPerTool,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert memory config %s: %w", cfg.ConfigID, err)
	}
	return nil
}
