// Package db opens the per-tier Postgres pools and applies the embedded
// schema DDL at boot.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// pingTimeout bounds the connectivity check in Open so a wedged database
// fails the boot sequence instead of hanging it.
const pingTimeout = 10 * time.Second

// Open creates the connection pool for one tier's database and verifies
// connectivity before returning it.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	// Sized for one service process: both tiers serve a handful of handlers
	// plus the sync worker's bounded fan-out.
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("maxConns", cfg.MaxConns).
		Int32("minConns", cfg.MinConns).
		Msg("connected to postgres")
	return pool, nil
}
