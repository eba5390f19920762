package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationRuns,
		migrationSessionSummaries,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// ALTER TABLE migrations fail with "duplicate column" once applied
	alterMigrations := []string{
		migrationRunE2EP99,
		migrationRunTTFTP99,
	}

	for _, migration := range alterMigrations {
		_, _ = db.ExecContext(ctx, migration)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	model TEXT NOT NULL,
	test_case TEXT NOT NULL,
	target TEXT NOT NULL,
	result_path TEXT NOT NULL,

	-- Aggregate as written to the result store
	date_label TEXT NOT NULL,
	workers INTEGER NOT NULL DEFAULT 0,
	sessions INTEGER NOT NULL,
	requests INTEGER NOT NULL,
	e2e REAL NOT NULL,
	ttft REAL NOT NULL,
	tpot REAL NOT NULL,

	-- Request-weighted means
	weighted_e2e REAL NOT NULL DEFAULT 0,
	weighted_ttft REAL NOT NULL DEFAULT 0,
	weighted_tpot REAL NOT NULL DEFAULT 0,

	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
	run_row_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	requests INTEGER NOT NULL,
	e2e REAL NOT NULL,
	ttft REAL NOT NULL,
	tpot REAL NOT NULL,

	PRIMARY KEY (run_row_id, position),
	FOREIGN KEY (run_row_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_runs_run_id ON runs(run_id);
CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
CREATE INDEX IF NOT EXISTS idx_runs_backend_model ON runs(backend, model);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

const migrationRunE2EP99 = `
ALTER TABLE runs ADD COLUMN e2e_p99 REAL NOT NULL DEFAULT 0;
`

const migrationRunTTFTP99 = `
ALTER TABLE runs ADD COLUMN ttft_p99 REAL NOT NULL DEFAULT 0;
`
