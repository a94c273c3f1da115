// Package storage persists alerts, cycle metrics and Telegram subscribers in SQLite.
//
// The worker writes through it fire-and-forget (failures are logged by the caller
// and never stop a cycle); the API process and the report command read from it.
// Both processes open the same file, so file-backed databases run in WAL mode
// with a busy timeout.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/polysignal/internal/logger"
	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Storage is the SQLite-backed store.
type Storage struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at path and applies migrations.
func Open(path string) (*Storage, error) {
	if path == "" {
		path = filepath.Join("data", "polysignal.db")
	}

	memory := path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &Storage{db: db, path: path}
	if err := s.configure(!memory); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("SQLite database ready at %s", path)
	return s, nil
}

func (s *Storage) configure(wal bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alerts (
		id                 TEXT PRIMARY KEY,
		opportunity_id     TEXT NOT NULL,
		severity           TEXT NOT NULL,
		title              TEXT NOT NULL,
		message            TEXT NOT NULL,
		news_url           TEXT NOT NULL DEFAULT '',
		news_title         TEXT NOT NULL DEFAULT '',
		market_id          TEXT NOT NULL,
		market_question    TEXT NOT NULL DEFAULT '',
		reasoning          TEXT NOT NULL DEFAULT '',
		confidence         REAL NOT NULL,
		current_price      REAL NOT NULL,
		expected_price     REAL NOT NULL,
		discrepancy        REAL NOT NULL,
		potential_profit   REAL NOT NULL,
		recommended_action TEXT NOT NULL,
		created_at         INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_market_id ON alerts(market_id)`,
	`CREATE TABLE IF NOT EXISTS cycle_metrics (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id               INTEGER NOT NULL,
		query                  TEXT NOT NULL DEFAULT '',
		start_time             INTEGER NOT NULL,
		end_time               INTEGER,
		news_new               INTEGER NOT NULL DEFAULT 0,
		opportunities_detected INTEGER NOT NULL DEFAULT 0,
		alerts_generated       INTEGER NOT NULL DEFAULT 0,
		error_count            INTEGER NOT NULL DEFAULT 0,
		record                 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cycle_metrics_start_time ON cycle_metrics(start_time)`,
	`CREATE TABLE IF NOT EXISTS telegram_subscribers (
		chat_id       INTEGER PRIMARY KEY,
		username      TEXT NOT NULL DEFAULT '',
		first_name    TEXT NOT NULL DEFAULT '',
		last_name     TEXT NOT NULL DEFAULT '',
		is_active     INTEGER NOT NULL DEFAULT 1,
		subscribed_at INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_telegram_subscribers_active ON telegram_subscribers(is_active)`,
}

func (s *Storage) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Times are stored as UTC unix nanoseconds so ordering and range scans are numeric.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
