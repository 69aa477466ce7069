package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOption configures the pgx connection pool.
type PostgresOption func(cfg *pgxpool.Config)

// WithPoolConfig hands the raw pool config to fn.
func WithPoolConfig(fn func(cfg *pgxpool.Config)) PostgresOption {
	return func(cfg *pgxpool.Config) { fn(cfg) }
}

func WithMaxConns(n int32) PostgresOption {
	return func(cfg *pgxpool.Config) { cfg.MaxConns = n }
}

func WithMinConns(n int32) PostgresOption {
	return func(cfg *pgxpool.Config) { cfg.MinConns = n }
}

func WithMaxConnLifetime(d time.Duration) PostgresOption {
	return func(cfg *pgxpool.Config) { cfg.MaxConnLifetime = d }
}

func WithMaxConnIdleTime(d time.Duration) PostgresOption {
	return func(cfg *pgxpool.Config) { cfg.MaxConnIdleTime = d }
}

func WithHealthCheckPeriod(d time.Duration) PostgresOption {
	return func(cfg *pgxpool.Config) { cfg.HealthCheckPeriod = d }
}
