package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"offlinequeue/internal/logging"
	"offlinequeue/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

// DB is the durable queue store: a single SQLite file holding the operations table.
type DB struct {
	*sql.DB

	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu          sync.Mutex
	initialized bool
}

// NewDB opens (creating if needed) the SQLite queue at path and initializes its schema.
// Failures are reported as models.ErrStoreUnavailable.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, unavailable("create database directory", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, unavailable("open database", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:" databases shared.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, unavailable("connect to database", err)
	}

	db := &DB{DB: conn, path: path, now: time.Now, logger: logging.Component(logger, "queue-store")}

	if err := db.applyPragmas(); err != nil {
		conn.Close()
		return nil, err
	}

	if err := db.Open(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	db.logger.Info().Str("path", path).Msg("queue store initialized")
	return db, nil
}

// Path returns the database file the store was opened with.
func (db *DB) Path() string {
	return db.path
}

// SetClock overrides the time source used to stamp enqueued operations.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

func (db *DB) clock() time.Time {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.now()
}

func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return unavailable(fmt.Sprintf("execute %q", pragma), err)
		}
	}
	return nil
}

// Open creates the operations table and its lookup indexes.
// It is idempotent and safe to call any number of times.
func (db *DB) Open(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.initialized {
		return nil
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS operations (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL CHECK (type IN ('insert', 'update', 'delete')),
            target TEXT NOT NULL,
            payload TEXT,
            filters TEXT,
            enqueued_at INTEGER NOT NULL,
            retry_count INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_operations_enqueued_at ON operations(enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_target ON operations(target)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return unavailable("create schema", err)
		}
	}

	db.initialized = true
	return nil
}

func unavailable(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStoreUnavailable, action, err)
}
