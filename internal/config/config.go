// Package config loads memsci service configuration from a yaml file with
// environment-variable overrides. The per-request MemoryConfig (rerank
// alpha, activation boost, caps) lives in internal/types and is loaded per
// config_id from the relational store; this package covers process-level
// settings only.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"memsci/internal/logging"
)

// Config holds all memsci service configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	DataDir string `yaml:"data_dir"`

	// Stores
	Graph      GraphConfig      `yaml:"graph"`
	Relational RelationalConfig `yaml:"relational"`
	Redis      RedisConfig      `yaml:"redis"`

	// Providers
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Runtime
	Workflow WorkflowConfig `yaml:"workflow"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Jobs     JobsConfig     `yaml:"jobs"`

	// Logging
	Logging logging.Settings `yaml:"logging"`
}

// GraphConfig configures the sqlite-backed property graph store.
type GraphConfig struct {
	DatabasePath string `yaml:"database_path"`
	// Per-graph-query timeout.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// Require the sqlite-vec extension instead of falling back to
	// brute-force cosine scans.
	RequireVec bool `yaml:"require_vec"`
}

// RelationalConfig configures the Postgres store.
type RelationalConfig struct {
	URL string `yaml:"url"`
	// Alert threshold for pool usage_percent in the health probe.
	PoolAlertPercent float64 `yaml:"pool_alert_percent"`
}

// RedisConfig configures the Redis connection used for the health probe
// cache, periodic-job locks, and per-user ingestion advisory locks.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// LLMConfig configures the chat model providers.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // openai, anthropic, gemini, ollama, dashscope
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider string        `yaml:"provider"` // openai, gemini, ollama
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"timeout"`
	// Dimensions must match the vector indexes; mixing models within an
	// index is forbidden.
	Dimensions int `yaml:"dimensions"`
}

// WorkflowConfig configures the workflow runtime.
type WorkflowConfig struct {
	// Soft per-node timeout. WORKFLOW_NODE_TIMEOUT overrides.
	NodeTimeout time.Duration `yaml:"node_timeout"`
}

// TasksConfig configures the task queue.
type TasksConfig struct {
	// Upper bound on concurrently executing tasks across users.
	PoolSize int `yaml:"pool_size"`
	// Retries for retryable task failures.
	MaxRetries int `yaml:"max_retries"`
}

// JobsConfig configures the periodic job scheduler.
type JobsConfig struct {
	ReflectionInterval time.Duration `yaml:"reflection_interval"`
	ForgettingInterval time.Duration `yaml:"forgetting_interval"`
	InsightInterval    time.Duration `yaml:"insight_interval"`
	HealthInterval     time.Duration `yaml:"health_interval"`
	// TTL on the cached health hash; bounds staleness.
	HealthTTL time.Duration `yaml:"health_ttl"`
	// Keepalive for streaming log consumers.
	LogStreamKeepalive time.Duration `yaml:"log_stream_keepalive"`
}

// Default returns a Config with documented defaults.
func Default() Config {
	return Config{
		Name:    "memsci",
		Version: "0.1.0",
		DataDir: ".memsci",
		Graph: GraphConfig{
			DatabasePath: ".memsci/graph.db",
			QueryTimeout: 10 * time.Second,
		},
		Relational: RelationalConfig{
			PoolAlertPercent: 80,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Timeout:  120 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Timeout:    30 * time.Second,
			Dimensions: 1536,
		},
		Workflow: WorkflowConfig{
			NodeTimeout: 120 * time.Second,
		},
		Tasks: TasksConfig{
			PoolSize:   8,
			MaxRetries: 3,
		},
		Jobs: JobsConfig{
			ReflectionInterval: 1 * time.Hour,
			ForgettingInterval: 6 * time.Hour,
			InsightInterval:    12 * time.Hour,
			HealthInterval:     30 * time.Second,
			HealthTTL:          90 * time.Second,
			LogStreamKeepalive: 300 * time.Second,
		},
		Logging: logging.Settings{Level: "info"},
	}
}

// Load reads the config file at path (optional), layers environment
// overrides on top of defaults, and validates the result.
func Load(path string) (Config, error) {
	// .env is optional; ignore absence.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps the documented environment variables onto the config.
func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = d
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("GRAPH_DB_PATH"); v != "" {
		cfg.Graph.DatabasePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Relational.URL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("WORKFLOW_NODE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Workflow.NodeTimeout = d
		}
	}
	if v := os.Getenv("HEALTH_CHECK_SECONDS"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Jobs.HealthInterval = time.Duration(s) * time.Second
		}
	}
	if v := os.Getenv("LOG_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			cfg.Jobs.LogStreamKeepalive = time.Duration(s) * time.Second
		}
	}
}

// Validate checks invariants the rest of the system assumes.
func (c Config) Validate() error {
	if c.Graph.DatabasePath == "" {
		return fmt.Errorf("graph.database_path is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Tasks.PoolSize <= 0 {
		return fmt.Errorf("tasks.pool_size must be positive, got %d", c.Tasks.PoolSize)
	}
	return nil
}
