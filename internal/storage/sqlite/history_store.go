// Package sqlite stores run history in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ddttom/invisible-users-sub000/internal/history"
)

// FileName is the database file created under the history directory.
const FileName = "history.db"

// HistoryStore implements history.Store on SQLite.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// Open creates dir if needed and opens dir/history.db.
func Open(ctx context.Context, dir string) (*HistoryStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS crawl_runs (
	run_id      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	summary     TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_crawl_runs_source ON crawl_runs(source, started_at)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create history tables: %w", err)
		}
	}
	return &HistoryStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *HistoryStore) Path() string { return s.path }

// Save upserts one run summary.
func (s *HistoryStore) Save(ctx context.Context, summary history.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO crawl_runs (run_id, source, started_at, finished_at, summary)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET finished_at = excluded.finished_at, summary = excluded.summary`,
		summary.RunID,
		summary.Source,
		summary.StartedAt.UnixNano(),
		summary.FinishedAt.UnixNano(),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

// Previous returns the latest run of source started before the given time.
func (s *HistoryStore) Previous(ctx context.Context, source string, before time.Time) (*history.RunSummary, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
SELECT summary FROM crawl_runs
WHERE source = ? AND started_at < ?
ORDER BY started_at DESC
LIMIT 1`, source, before.UnixNano()).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query previous run: %w", err)
	}
	var summary history.RunSummary
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return &summary, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
