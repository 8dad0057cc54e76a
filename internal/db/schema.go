package db

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema_central.sql
var centralSchema string

//go:embed schema_store.sql
var storeSchema string

// EnsureCentralSchema creates the central authority tables when missing.
// Migration tooling is deliberately not part of this module; the DDL is
// idempotent and safe to run on every boot.
func EnsureCentralSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ensure(ctx, pool, "central", centralSchema)
}

// EnsureStoreSchema creates the store node tables when missing.
func EnsureStoreSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ensure(ctx, pool, "store", storeSchema)
}

func ensure(ctx context.Context, pool *pgxpool.Pool, tier, ddl string) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s schema: %w", tier, err)
	}
	log.Debug().Str("tier", tier).Msg("schema ensured")
	return nil
}
