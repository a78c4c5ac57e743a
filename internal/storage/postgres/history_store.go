// Package postgres provides the Postgres-backed run history.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ddttom/invisible-users-sub000/internal/history"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run summaries.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// HistoryStore implements history.Store on Postgres.
type HistoryStore struct {
	pool  pool
	table string
}

// NewHistoryStore connects to Postgres and creates the table if needed.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("output.history_dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &HistoryStore{pool: p, table: table}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the history table when missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	summary     JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create history table: %w", err)
	}
	return nil
}

// Save upserts one run summary.
func (s *HistoryStore) Save(ctx context.Context, summary history.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source, started_at, finished_at, summary)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (run_id) DO UPDATE
SET finished_at = EXCLUDED.finished_at, summary = EXCLUDED.summary`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		summary.RunID,
		summary.Source,
		summary.StartedAt,
		summary.FinishedAt,
		payload,
	); err != nil {
		return fmt.Errorf("insert run summary: %w", err)
	}
	return nil
}

// Previous returns the latest run of source started before the given time.
func (s *HistoryStore) Previous(ctx context.Context, source string, before time.Time) (*history.RunSummary, error) {
	query := fmt.Sprintf(`
SELECT summary FROM %s
WHERE source = $1 AND started_at < $2
ORDER BY started_at DESC
LIMIT 1`, s.table)
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, source, before).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query previous run: %w", err)
	}
	var summary history.RunSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decode run summary: %w", err)
	}
	return &summary, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
