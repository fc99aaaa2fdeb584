package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"memsci/internal/activation"
	"memsci/internal/config"
	"memsci/internal/embedding"
	"memsci/internal/forgetting"
	"memsci/internal/graph"
	"memsci/internal/health"
	"memsci/internal/ingest"
	"memsci/internal/insight"
	"memsci/internal/jobs"
	"memsci/internal/llm"
	"memsci/internal/logging"
	"memsci/internal/reader"
	"memsci/internal/relational"
	"memsci/internal/retrieval"
	"memsci/internal/tasks"
	"memsci/internal/types"
)

var (
	// Global flags
	configPath string
	verbose    bool
	endUserID  string

	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "memsci",
	Short: "memsci - long-term memory engine for conversational agents",
	Long: `memsci stores conversational turns in a property graph, extracts
statements, entities, and summaries from them, and answers questions over
that memory with hybrid keyword/vector retrieval, ACT-R activation
reranking, and Ebbinghaus forgetting.

The serve command runs the full service: task-queue workers for ingestion
and the periodic reflection, forgetting, insight, and health jobs. The
other commands are one-shot operations against the same stores.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose && cfg.Logging.Level != "debug" {
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.DataDir, cfg.Logging); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the long-lived service: queue workers plus periodic jobs.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service (task queue workers + periodic jobs)",
	RunE:  runServe,
}

// ingestCmd ingests one conversational turn synchronously.
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest one conversational turn from a JSON file or stdin",
	Long: `Reads a JSON array of {"role","content"} messages from --file (or
stdin when --file is omitted) and runs the full ingestion pipeline for
--user: segmentation, extraction, entity dedup, embedding, and initial
activation.`,
	RunE: runIngest,
}

// retrieveCmd answers a question over stored memory.
var retrieveCmd = &cobra.Command{
	Use:   "retrieve [message]",
	Short: "Answer a question over the user's memory",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRetrieve,
}

// searchCmd dumps raw hybrid search results without summarization.
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run hybrid retrieval and print the scored results per category",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

// jobsCmd runs one periodic job immediately.
var jobsCmd = &cobra.Command{
	Use:       "jobs [reflection|forgetting|insight|health]",
	Short:     "Run one periodic job now instead of waiting for its schedule",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"reflection", "forgetting", "insight", "health"},
	RunE:      runJobs,
}

// healthCmd probes the stores once and prints the report.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe graph, relational, and redis health",
	RunE:  runHealth,
}

var (
	ingestFile    string
	ingestStorage string

	retrieveSwitch string
	retrieveLimit  int

	searchLimit      int
	searchForgetting bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&endUserID, "user", "u", "", "End user id the operation applies to")

	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "JSON messages file (default: stdin)")
	ingestCmd.Flags().StringVar(&ingestStorage, "storage", "graph", "Storage type: graph or rag")

	retrieveCmd.Flags().StringVar(&retrieveSwitch, "switch", "", "Search switch: 0 classify, 1 retrieve, 2 direct")
	retrieveCmd.Flags().IntVar(&retrieveLimit, "limit", 0, "Per-category result limit")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "Per-category result limit")
	searchCmd.Flags().BoolVar(&searchForgetting, "forgetting", false, "Apply forgetting-curve weights to scores")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openGraph opens the sqlite graph store per config.
func openGraph() (*graph.Store, error) {
	return graph.New(graph.Options{
		Path:         cfg.Graph.DatabasePath,
		QueryTimeout: cfg.Graph.QueryTimeout,
		RequireVec:   cfg.Graph.RequireVec,
		Dimensions:   cfg.Embedding.Dimensions,
	})
}

// openRelational connects to Postgres. Required for serve; one-shot
// commands degrade without it.
func openRelational(ctx context.Context) (*relational.Store, error) {
	if cfg.Relational.URL == "" {
		return nil, nil
	}
	return relational.New(ctx, cfg.Relational)
}

func newRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
}

func requireUser() error {
	if strings.TrimSpace(endUserID) == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	rel, err := openRelational(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if rel == nil {
		return fmt.Errorf("serve requires relational.url (or DATABASE_URL)")
	}
	defer rel.Close()

	rdb := newRedis()
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, locks and health cache degraded", zap.Error(err))
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	embedder, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to create embedding engine: %w", err)
	}

	memCfg := types.DefaultMemoryConfig()
	history := activation.NewManager(store, memCfg.ActivationDecayD, memCfg.AccessHistoryCap)
	pipeline := ingest.New(store, embedder, client, history, cfg.LLM.Model)
	fg := forgetting.NewEngine(store, client, cfg.LLM.Model, memCfg)
	ins := insight.NewEngine(store, rel, client, cfg.LLM.Model)
	probe := health.NewProbe(rdb, rel, store, cfg.Jobs.HealthTTL)
	locker := tasks.NewRedisLocker(rdb)

	queue := tasks.NewQueue(rel, locker, cfg.Tasks.PoolSize, cfg.Tasks.MaxRetries)
	queue.Register("ingest", func(ctx context.Context, task relational.TaskRow) error {
		var req ingest.Request
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return types.Kindf(types.ErrInvalidInput, "decoding ingest payload: %w", err)
		}
		req.EndUserID = task.EndUserID
		if req.Config.ConfigID == "" {
			req.Config = memCfg
		}
		_, err := pipeline.IngestTurn(ctx, req)
		return err
	})

	recovered, err := queue.Recover(ctx)
	if err != nil {
		logger.Warn("task recovery failed", zap.Error(err))
	} else if recovered > 0 {
		logger.Info("re-enqueued pending tasks", zap.Int("count", recovered))
	}

	scheduler := jobs.New(rel, fg, ins, probe, locker, cfg.Jobs)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logger.Info("memsci service started",
		zap.String("graph", cfg.Graph.DatabasePath),
		zap.String("llm", cfg.LLM.Model),
		zap.Int("pool_size", cfg.Tasks.PoolSize))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue shutdown timed out", zap.Error(err))
	}
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	ctx := cmd.Context()

	data, err := readInput(ingestFile)
	if err != nil {
		return err
	}
	var messages []types.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return fmt.Errorf("failed to parse messages: %w", err)
	}

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return err
	}

	memCfg := types.DefaultMemoryConfig()
	history := activation.NewManager(store, memCfg.ActivationDecayD, memCfg.AccessHistoryCap)
	pipeline := ingest.New(store, embedder, client, history, cfg.LLM.Model)

	result, err := pipeline.IngestTurn(ctx, ingest.Request{
		EndUserID:   endUserID,
		Messages:    messages,
		StorageType: ingest.StorageType(ingestStorage),
		Config:      memCfg,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runRetrieve(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	ctx := cmd.Context()
	message := strings.Join(args, " ")

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	rel, err := openRelational(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	var shortTerm *relational.Store
	if rel != nil {
		shortTerm = rel
		defer rel.Close()
	}

	client, err := llm.NewClient(ctx, cfg.LLM)
	if err != nil {
		return err
	}
	embedder, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return err
	}

	memCfg := types.DefaultMemoryConfig()
	history := activation.NewManager(store, memCfg.ActivationDecayD, memCfg.AccessHistoryCap)
	retriever := retrieval.New(store, embedder, history, memCfg)

	var rd *reader.Reader
	if shortTerm != nil {
		rd = reader.New(retriever, client, cfg.LLM.Model, shortTerm)
	} else {
		rd = reader.New(retriever, client, cfg.LLM.Model, nil)
	}

	result, err := rd.Answer(ctx, reader.Request{
		EndUserID:    endUserID,
		Message:      message,
		SearchSwitch: reader.SearchSwitch(retrieveSwitch),
		Limit:        retrieveLimit,
		Config:       memCfg,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	ctx := cmd.Context()
	query := strings.Join(args, " ")

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	embedder, err := embedding.NewEngine(ctx, cfg.Embedding)
	if err != nil {
		return err
	}

	memCfg := types.DefaultMemoryConfig()
	history := activation.NewManager(store, memCfg.ActivationDecayD, memCfg.AccessHistoryCap)
	retriever := retrieval.New(store, embedder, history, memCfg)

	resp, err := retriever.Search(ctx, retrieval.SearchRequest{
		EndUserID:       endUserID,
		Query:           query,
		Limit:           searchLimit,
		ApplyForgetting: searchForgetting,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runJobs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	rel, err := openRelational(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if rel != nil {
		defer rel.Close()
	}

	rdb := newRedis()
	defer rdb.Close()

	var (
		fg  *forgetting.Engine
		ins *insight.Engine
	)
	if name != "health" {
		client, err := llm.NewClient(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		memCfg := types.DefaultMemoryConfig()
		fg = forgetting.NewEngine(store, client, cfg.LLM.Model, memCfg)
		ins = insight.NewEngine(store, rel, client, cfg.LLM.Model)
	}
	probe := health.NewProbe(rdb, rel, store, cfg.Jobs.HealthTTL)
	locker := tasks.NewRedisLocker(rdb)

	scheduler := jobs.New(rel, fg, ins, probe, locker, cfg.Jobs)
	if err := scheduler.RunOnce(ctx, name); err != nil {
		return err
	}
	logger.Info("job completed", zap.String("job", name))
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openGraph()
	if err != nil {
		return fmt.Errorf("failed to open graph store: %w", err)
	}
	defer store.Close()

	rel, err := openRelational(ctx)
	if err != nil {
		logger.Warn("postgres unreachable", zap.Error(err))
	}
	if rel != nil {
		defer rel.Close()
	}

	rdb := newRedis()
	defer rdb.Close()

	probe := health.NewProbe(rdb, rel, store, cfg.Jobs.HealthTTL)
	report := probe.Check(ctx)
	if err := printJSON(report); err != nil {
		return err
	}
	if report.Status == health.StatusFail {
		os.Exit(1)
	}
	return nil
}

// readInput reads the given file, or stdin when path is empty.
func readInput(path string) ([]byte, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
