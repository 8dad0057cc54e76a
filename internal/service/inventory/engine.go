package inventory

import (
	"context"
	"errors"

	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/syncx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Service encapsulates central inventory state transitions.
type Service struct {
	DB      *pgxpool.Pool
	Metrics *metrics.Central
}

// NewService creates a Service over the given pool.
func NewService(db *pgxpool.Pool, m *metrics.Central) *Service {
	return &Service{DB: db, Metrics: m}
}

const stateColumns = `sku, name, quantity, version, updated_at`

// Get returns the current state for a SKU.
func (s *Service) Get(ctx context.Context, sku string) (State, error) {
	var st State
	err := s.DB.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM inventory WHERE sku = $1`,
		sku).Scan(&st.SKU, &st.Name, &st.Quantity, &st.Version, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}
	return st, nil
}

// Adjust applies one versioned adjustment under optimistic locking.
//
// The sequence inside a single transaction: idempotency lookup (a fresh hit
// short-circuits and returns the row as it stands), row acquisition under
// FOR UPDATE, version check, non-negativity check, the write with the version
// predicate re-asserted, and the idempotency record.
func (s *Service) Adjust(ctx context.Context, caller, idempotencyKey string, req UpdateRequest) (State, error) {
	st, err := s.adjust(ctx, caller, idempotencyKey, req)

	var conflict *ConflictError
	var insufficient *InsufficientQuantityError
	switch {
	case err == nil:
		s.Metrics.UpdatesTotal.Inc()
	case errors.As(err, &conflict):
		s.Metrics.UpdateConflictsTotal.Inc()
	case errors.Is(err, ErrNotFound), errors.As(err, &insufficient):
		// Domain rejections; not counted as failures.
	default:
		s.Metrics.UpdateFailuresTotal.Inc()
	}
	return st, err
}

func (s *Service) adjust(ctx context.Context, caller, idempotencyKey string, req UpdateRequest) (State, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return State{}, err
	}
	defer tx.Rollback(ctx)

	// A request without a key opts out of deduplication entirely.
	hit := false
	if idempotencyKey != "" {
		hit, err = lookupIdempotency(ctx, tx, idempotencyKey, caller)
		if err != nil {
			return State{}, err
		}
	}
	if hit {
		// Idempotent replay: no mutation, return the row as it stands now.
		// Re-fetching (instead of replaying the stored body) avoids serving
		// a payload that later mutations have made stale.
		st, err := readState(ctx, tx, req.SKU)
		if err != nil {
			return State{}, err
		}
		log.Info().
			Str("sku", req.SKU).
			Str("idempotencyKey", idempotencyKey).
			Str("service", caller).
			Msg("idempotent replay, returning current state")
		return st, tx.Commit(ctx)
	}

	var current State
	err = tx.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM inventory WHERE sku = $1 FOR UPDATE`,
		req.SKU).Scan(&current.SKU, &current.Name, &current.Quantity, &current.Version, &current.UpdatedAt)
	if err == pgx.ErrNoRows {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}

	if current.Version != req.Version {
		return State{}, &ConflictError{Current: current}
	}

	newQty := current.Quantity + req.Delta
	if newQty < 0 {
		return State{}, &InsufficientQuantityError{
			Available: current.Quantity,
			Requested: abs(req.Delta),
		}
	}

	// The predicate re-asserts the version so a writer that slipped past the
	// row lock under a weaker isolation level cannot double-apply.
	var updated State
	err = tx.QueryRow(ctx, `
		UPDATE inventory
		SET quantity = $1, version = version + 1, updated_at = now()
		WHERE sku = $2 AND version = $3
		RETURNING `+stateColumns,
		newQty, req.SKU, req.Version).
		Scan(&updated.SKU, &updated.Name, &updated.Quantity, &updated.Version, &updated.UpdatedAt)
	if err == pgx.ErrNoRows {
		// The row moved between the locked read and the write.
		st, rerr := readState(ctx, tx, req.SKU)
		if rerr != nil {
			return State{}, rerr
		}
		return State{}, &ConflictError{Current: st}
	}
	if err != nil {
		return State{}, err
	}

	if idempotencyKey != "" {
		if err := recordIdempotency(ctx, tx, idempotencyKey, caller, req, updated); err != nil {
			return State{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return State{}, err
	}

	log.Info().
		Str("sku", updated.SKU).
		Int64("delta", req.Delta).
		Int64("version", updated.Version).
		Int64("quantity", updated.Quantity).
		Str("service", caller).
		Msg("inventory adjusted")
	return updated, nil
}

// List returns one keyset page ordered by (updated_at, id).
func (s *Service) List(ctx context.Context, cursor syncx.Cursor, limit int) (*ListResult, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+stateColumns+`, id
		FROM inventory
		WHERE (updated_at, id) > (to_timestamp($1::double precision / 1000.0), $2)
		ORDER BY updated_at, id
		LIMIT $3
	`, cursor.Ms, cursor.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]State, 0, limit)
	var last syncx.Cursor
	for rows.Next() {
		var st State
		var id int64
		if err := rows.Scan(&st.SKU, &st.Name, &st.Quantity, &st.Version, &st.UpdatedAt, &id); err != nil {
			return nil, err
		}
		items = append(items, st)
		last = syncx.Cursor{Ms: st.UpdatedAt.UnixMilli(), ID: id}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var next *string
	if len(items) > 0 {
		encoded := syncx.EncodeCursor(last)
		next = &encoded
	}
	return &ListResult{Items: items, NextCursor: next}, nil
}

// RefreshGauges recomputes the row-count gauges. Called at scrape time.
func (s *Service) RefreshGauges(ctx context.Context) {
	var inventories, keys int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM inventory`).Scan(&inventories); err != nil {
		log.Error().Err(err).Msg("failed to count inventory")
		return
	}
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM idempotency_keys`).Scan(&keys); err != nil {
		log.Error().Err(err).Msg("failed to count idempotency keys")
		return
	}
	s.Metrics.InventoryCount.Set(inventories)
	s.Metrics.IdempotencyKeys.Set(keys)
}

func readState(ctx context.Context, tx pgx.Tx, sku string) (State, error) {
	var st State
	err := tx.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM inventory WHERE sku = $1`,
		sku).Scan(&st.SKU, &st.Name, &st.Quantity, &st.Version, &st.UpdatedAt)
	if err == pgx.ErrNoRows {
		return State{}, ErrNotFound
	}
	return st, err
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
