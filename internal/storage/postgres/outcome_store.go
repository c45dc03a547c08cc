// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "job_outcomes"

// OutcomeStoreConfig controls the Postgres connection pool used for outcome rows.
type OutcomeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// OutcomeStore appends terminal job outcomes to an audit table. Rows are
// written once and never read back by the service.
type OutcomeStore struct {
	pool  execCloser
	table string
}

// NewOutcomeStore creates a Postgres-backed OutcomeStore using the provided config.
func NewOutcomeStore(ctx context.Context, cfg OutcomeStoreConfig) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(pool execCloser, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: pool, table: name}, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the outcome table if it does not exist.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	original_url    TEXT,
	transformed_url TEXT,
	error_kind      TEXT,
	error_text      TEXT,
	finished_at     TIMESTAMPTZ NOT NULL,
	duration_ms     BIGINT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create outcome table: %w", err)
	}
	return nil
}

// RecordOutcome inserts a terminal outcome. Repeated writes for the same job are ignored.
func (s *OutcomeStore) RecordOutcome(ctx context.Context, outcome imaging.Outcome) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("outcome store is not configured")
	}
	if outcome.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	status,
	original_url,
	transformed_url,
	error_kind,
	error_text,
	finished_at,
	duration_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
) ON CONFLICT (job_id) DO NOTHING`, s.table)

	args := []any{
		outcome.JobID,
		string(outcome.Status),
		outcome.OriginalURL,
		outcome.TransformedURL,
		string(outcome.ErrorKind),
		outcome.ErrorText,
		outcome.FinishedAt,
		outcome.Duration.Milliseconds(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}
