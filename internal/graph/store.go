// Package graph implements the labeled property graph store backing the
// memory engine. Nodes live in SQLite with an FTS5 full-text index for
// keyword search and sqlite-vec indexes (brute-force cosine fallback) for
// embedding search. Every operation is scoped by end_user_id; cross-user
// access is forbidden at this boundary.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"memsci/internal/logging"
)

// Store is the sqlite-backed graph store. Safe for concurrent use; category
// parallel queries share the same connection pool.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	vectorExt    bool // sqlite-vec available
	requireVec   bool
	queryTimeout time.Duration
	dimensions   int
}

// Options configures a Store.
type Options struct {
	Path         string
	QueryTimeout time.Duration
	RequireVec   bool
	Dimensions   int
}

// New initializes the SQLite database at the given path. Use ":memory:"
// for tests.
func New(opts Options) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "New")
	defer timer.Stop()

	logging.Graph("Initializing graph store at path: %s", opts.Path)

	if opts.Path != ":memory:" {
		dir := filepath.Dir(opts.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent
	// category queries; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.GraphDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.GraphDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.GraphDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{
		db:           db,
		dbPath:       opts.Path,
		requireVec:   opts.RequireVec,
		queryTimeout: opts.QueryTimeout,
		dimensions:   opts.Dimensions,
	}
	if s.queryTimeout <= 0 {
		s.queryTimeout = 10 * time.Second
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.detectVecExtension()
	if s.requireVec && !s.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; rebuild with the sqlite_vec build tag to enable ANN search")
	}
	if s.vectorExt {
		logging.Graph("sqlite-vec extension detected and enabled")
		if err := s.createVecIndexes(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create vector indexes: %w", err)
		}
	} else {
		logging.Get(logging.CategoryGraph).Warn("sqlite-vec extension not available; falling back to brute-force cosine search")
	}

	return s, nil
}

// detectVecExtension probes for the vec0 virtual table module.
func (s *Store) detectVecExtension() {
	var version string
	err := s.db.QueryRow("SELECT vec_version()").Scan(&version)
	if err != nil {
		s.vectorExt = false
		return
	}
	s.vectorExt = true
	logging.GraphDebug("sqlite-vec version: %s", version)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// withTimeout derives the per-query context.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.queryTimeout)
}
