// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config controls the shared Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool used by the stores. pgxmock pools satisfy
// it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Connect opens a pool using cfg and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
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
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS job_states (
	platform           text        NOT NULL,
	job_type           text        NOT NULL,
	status             text        NOT NULL DEFAULT 'idle',
	last_run_at        timestamptz NOT NULL,
	next_run_at        timestamptz NOT NULL,
	started_at         timestamptz NOT NULL,
	posts_collected    bigint      NOT NULL DEFAULT 0,
	last_error_message text        NOT NULL DEFAULT '',
	PRIMARY KEY (platform, job_type)
)`,
	`CREATE TABLE IF NOT EXISTS unit_runs (
	id              uuid        PRIMARY KEY,
	platform        text        NOT NULL,
	job_type        text        NOT NULL,
	mode            text        NOT NULL,
	started_at      timestamptz NOT NULL,
	finished_at     timestamptz,
	status          text        NOT NULL,
	posts_collected bigint      NOT NULL DEFAULT 0,
	error_message   text
)`,
	`CREATE INDEX IF NOT EXISTS unit_runs_finished_at_idx ON unit_runs (finished_at)`,
	`CREATE TABLE IF NOT EXISTS keyword_matches (
	platform    text        NOT NULL,
	post_id     text        NOT NULL,
	keyword     text        NOT NULL,
	category    text        NOT NULL DEFAULT '',
	priority    text        NOT NULL DEFAULT '',
	match_count integer     NOT NULL,
	run_id      uuid        NOT NULL,
	matched_at  timestamptz NOT NULL,
	PRIMARY KEY (platform, post_id, keyword)
)`,
	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
	platform    text        NOT NULL,
	endpoint    text        NOT NULL,
	max_calls   integer     NOT NULL,
	remaining   integer     NOT NULL,
	reset_at    timestamptz NOT NULL,
	captured_at timestamptz NOT NULL,
	PRIMARY KEY (platform, endpoint)
)`,
	`CREATE TABLE IF NOT EXISTS keyword_rules (
	id                     text     PRIMARY KEY,
	name                   text     NOT NULL,
	keywords               text[]   NOT NULL,
	platforms              text[]   NOT NULL,
	job_types              text[]   NOT NULL DEFAULT '{}',
	priority               text     NOT NULL,
	max_posts_per_hour     integer  NOT NULL DEFAULT 0,
	crawl_interval_minutes integer  NOT NULL DEFAULT 0,
	active                 boolean  NOT NULL DEFAULT true
)`,
}

// EnsureSchema creates the orchestrator tables when they are missing.
func EnsureSchema(ctx context.Context, db DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
