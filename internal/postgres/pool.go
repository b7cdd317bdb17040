// Package postgres wires pgx connection pools with query tracing, logging
// and per-request statistics.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes query tracing for a pool.
type PoolOptions struct {
	// SlowQueryThreshold suppresses log lines for successful queries faster
	// than this. Zero logs every query.
	SlowQueryThreshold time.Duration

	// LogQueryArgs includes bound parameters in query logs and spans.
	LogQueryArgs bool
}

// NewPool parses databaseURL, installs the OpenTelemetry query tracer wrapped
// with structured query logging, connects and pings.
func NewPool(ctx context.Context, databaseURL string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	var otelOpts []otelpgx.Option
	if opts.LogQueryArgs {
		otelOpts = append(otelOpts, otelpgx.WithIncludeQueryParameters())
	}
	cfg.ConnConfig.Tracer = newQueryTracer(otelpgx.NewTracer(otelOpts...), opts)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return pool, nil
}
