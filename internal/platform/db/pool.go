package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "cabinet-server"

// NewPool opens a pgx pool with search_path pinned to schema and pings it once.
func NewPool(ctx context.Context, databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := poolConfig(databaseURL, schema, maxConns, minConns)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func poolConfig(databaseURL, schema string, maxConns, minConns int32) (*pgxpool.Config, error) {
	if minConns > maxConns {
		return nil, fmt.Errorf("db min conns %d exceeds max conns %d", minConns, maxConns)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	params := cfg.ConnConfig.RuntimeParams
	if schema != "" {
		params["search_path"] = schema
	}
	// Shows up in pg_stat_activity next to lock waits.
	if params["application_name"] == "" {
		params["application_name"] = applicationName
	}
	return cfg, nil
}
