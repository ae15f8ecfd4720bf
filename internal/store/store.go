// Package store is the sqlite-backed history log: delivered and failed
// messages, ended sessions, and periodic metrics snapshots. It is an
// audit trail for operators, not a recovery mechanism: live queues and
// sessions are never rebuilt from it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agentwire/agentwire/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id   TEXT NOT NULL,
			sender       TEXT NOT NULL,
			recipient    TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority     TEXT,
			status       TEXT NOT NULL,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_recipient ON deliveries(recipient, created_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id           TEXT PRIMARY KEY,
			orchestrator TEXT NOT NULL,
			state        TEXT NOT NULL,
			participants TEXT NOT NULL,
			end_reason   TEXT,
			summary      TEXT,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			ended_at     DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS metrics_snapshots (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			total_messages  INTEGER NOT NULL,
			active_sessions INTEGER NOT NULL,
			agent_count     INTEGER NOT NULL,
			avg_response_ms INTEGER NOT NULL,
			error_rate      REAL NOT NULL,
			throughput      REAL NOT NULL,
			taken_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
