// Package store owns the persisted jobs and schedules. All state transitions
// go through its API; other components only hold transient copies returned
// from queries.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
// Timestamps are integer milliseconds since epoch.
const schema = `
CREATE TABLE IF NOT EXISTS schedules (
    id               TEXT PRIMARY KEY,
    description      TEXT NOT NULL DEFAULT '',
    natural_schedule TEXT NOT NULL DEFAULT '',
    parsed_cron      TEXT NOT NULL,
    prompt           TEXT NOT NULL,
    enabled          INTEGER NOT NULL DEFAULT 1,
    last_run_at      INTEGER,
    next_run_at      INTEGER NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'pending',
    input       TEXT NOT NULL,
    output      TEXT,
    chat_id     TEXT NOT NULL,
    schedule_id TEXT REFERENCES schedules(id) ON DELETE SET NULL,
    delivered   INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_chat_created   ON jobs(chat_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_undelivered    ON jobs(delivered, status);
CREATE INDEX IF NOT EXISTS idx_schedules_due       ON schedules(enabled, next_run_at);
`

// Store is the SQLite-backed job and schedule repository.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, enables WAL journaling and
// foreign keys, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// millis converts a time to the stored representation.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts a stored timestamp back to a time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
