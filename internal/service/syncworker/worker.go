// Package syncworker drains a store node's pending-change log into the
// central authority. Each run picks up a bounded slice of PENDING changes,
// pushes them concurrently through the central client, and drives every
// picked-up change to a terminal status.
package syncworker

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/inventory"
)

// Pending-change statuses as stored in pending_changes.status.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

const (
	// batchSize caps how many changes one run picks up.
	batchSize = 100
	// pushConcurrency bounds how many changes are pushed at once.
	pushConcurrency = 5
)

// PendingChange is one durable sync intent from the local write path.
type PendingChange struct {
	ID             int64
	OperationID    string
	InventoryID    int64
	SKU            string
	Delta          int64
	LocalVersion   int64
	CentralVersion *int64
}

// Pusher is the outbound side of the worker; *centralclient.Client satisfies it.
type Pusher interface {
	Adjust(ctx context.Context, req inventory.UpdateRequest) (inventory.State, error)
}

// Worker drains the pending-change log.
type Worker struct {
	DB      *pgxpool.Pool
	Client  Pusher
	Metrics *metrics.Store

	// StaleAfter is how long an IN_PROGRESS row may sit (a crashed worker's
	// leftover) before a run resets it to PENDING.
	StaleAfter time.Duration
}

// NewWorker creates a Worker over the store database.
func NewWorker(db *pgxpool.Pool, client Pusher, m *metrics.Store, staleAfter time.Duration) *Worker {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Worker{DB: db, Client: client, Metrics: m, StaleAfter: staleAfter}
}

// ProcessPendingOnce runs a single drain pass and returns how many changes it
// picked up. Item failures never abort the run; every picked-up change ends
// COMPLETED or FAILED.
func (w *Worker) ProcessPendingOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		w.Metrics.SyncDurationSeconds.Set(time.Since(start).Seconds())
	}()

	if err := w.reapStale(ctx); err != nil {
		return 0, err
	}

	changes, err := w.fetchPending(ctx)
	if err != nil {
		return 0, err
	}

	w.RefreshGauges(ctx)

	if len(changes) == 0 {
		log.Debug().Msg("no pending changes to sync")
		return 0, nil
	}
	log.Info().Int("count", len(changes)).Msg("processing pending changes")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pushConcurrency)
	for _, change := range changes {
		change := change
		g.Go(func() error {
			w.processChange(gctx, change)
			return nil
		})
	}
	_ = g.Wait()

	w.RefreshGauges(ctx)
	return len(changes), nil
}

// reapStale returns IN_PROGRESS rows abandoned by a crashed worker to PENDING.
func (w *Worker) reapStale(ctx context.Context) error {
	tag, err := w.DB.Exec(ctx, `
		UPDATE pending_changes
		SET status = $1, updated_at = now()
		WHERE status = $2 AND updated_at < now() - make_interval(secs => $3)
	`, StatusPending, StatusInProgress, w.StaleAfter.Seconds())
	if err != nil {
		return err
	}
	if n := tag.RowsAffected(); n > 0 {
		log.Warn().Int64("count", n).Msg("reset stale in-progress changes to pending")
	}
	return nil
}

func (w *Worker) fetchPending(ctx context.Context) ([]PendingChange, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT id, operation_id, inventory_id, sku, delta, local_version, central_version
		FROM pending_changes
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, StatusPending, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []PendingChange
	for rows.Next() {
		var c PendingChange
		if err := rows.Scan(&c.ID, &c.OperationID, &c.InventoryID, &c.SKU,
			&c.Delta, &c.LocalVersion, &c.CentralVersion); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// processChange drives one change to a terminal status. It never returns an
// error: every failure is recorded on the row itself.
func (w *Worker) processChange(ctx context.Context, change PendingChange) {
	logger := log.With().
		Str("operationId", change.OperationID).
		Str("sku", change.SKU).
		Int64("delta", change.Delta).
		Logger()

	claimed, err := w.claim(ctx, change.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark change in progress")
		return
	}
	if !claimed {
		// Another run (a manual trigger overlapping the scheduler) got here
		// first; its outcome stands.
		logger.Debug().Msg("change no longer pending, skipping")
		return
	}

	// The version to declare to central: the one central told us about on a
	// previous conflict, falling back to our current local belief. Read it
	// without a lock; the row lock must never span the HTTP call.
	version := int64(0)
	if change.CentralVersion != nil {
		version = *change.CentralVersion
	} else {
		err := w.DB.QueryRow(ctx,
			`SELECT version FROM inventory WHERE id = $1`, change.InventoryID).Scan(&version)
		if err != nil {
			w.Metrics.SyncFailuresTotal.Inc()
			w.fail(ctx, change, "local inventory row missing: "+err.Error(), &logger)
			return
		}
	}

	state, err := w.Client.Adjust(ctx, inventory.UpdateRequest{
		SKU:         change.SKU,
		Delta:       change.Delta,
		Version:     version,
		OperationID: change.OperationID,
	})

	var conflict *inventory.ConflictError
	switch {
	case err == nil:
		if err := w.complete(ctx, change, state); err != nil {
			logger.Error().Err(err).Msg("failed to record completed sync")
			return
		}
		w.Metrics.SyncSuccessTotal.Inc()
		logger.Info().Int64("centralVersion", state.Version).Msg("change synced to central")

	case errors.As(err, &conflict):
		// Central moved on; remember its version for the next attempt. The
		// change stays FAILED until an operator (or policy) resets it.
		w.Metrics.SyncConflictsTotal.Inc()
		w.Metrics.SyncFailuresTotal.Inc()
		if err := w.failConflict(ctx, change, conflict.Current.Version); err != nil {
			logger.Error().Err(err).Msg("failed to record conflict")
			return
		}
		logger.Warn().
			Int64("declaredVersion", version).
			Int64("centralVersion", conflict.Current.Version).
			Msg("version conflict with central")

	default:
		w.Metrics.SyncFailuresTotal.Inc()
		w.fail(ctx, change, err.Error(), &logger)
	}
}

// complete records a successful push: the local replica adopts central's
// version, and the change turns COMPLETED, in one transaction.
func (w *Worker) complete(ctx context.Context, change PendingChange, state inventory.State) error {
	tx, err := w.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE inventory
		SET version = $1, last_synced_at = now(), updated_at = now()
		WHERE id = $2
	`, state.Version, change.InventoryID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE pending_changes
		SET status = $1, error = NULL, updated_at = now()
		WHERE id = $2
	`, StatusCompleted, change.ID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (w *Worker) failConflict(ctx context.Context, change PendingChange, centralVersion int64) error {
	_, err := w.DB.Exec(ctx, `
		UPDATE pending_changes
		SET status = $1, error = $2, central_version = $3, updated_at = now()
		WHERE id = $4
	`, StatusFailed, "Version conflict with central", centralVersion, change.ID)
	return err
}

func (w *Worker) fail(ctx context.Context, change PendingChange, reason string, logger *zerolog.Logger) {
	if err := w.setStatus(ctx, change.ID, StatusFailed, &reason); err != nil {
		logger.Error().Err(err).Msg("failed to record sync failure")
		return
	}
	logger.Warn().Str("reason", reason).Msg("change failed to sync")
}

// claim transitions one change from PENDING to IN_PROGRESS. The status
// predicate makes the claim exclusive: a change another run already picked
// up (or finished) reports false, so a terminal status is never overwritten.
func (w *Worker) claim(ctx context.Context, id int64) (bool, error) {
	tag, err := w.DB.Exec(ctx, `
		UPDATE pending_changes
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, StatusInProgress, id, StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (w *Worker) setStatus(ctx context.Context, id int64, status string, reason *string) error {
	_, err := w.DB.Exec(ctx, `
		UPDATE pending_changes
		SET status = $1, error = $2, updated_at = now()
		WHERE id = $3
	`, status, reason, id)
	return err
}

// RefreshGauges recomputes the inventory and pending-change gauges.
func (w *Worker) RefreshGauges(ctx context.Context) {
	var inventories, pending int64
	if err := w.DB.QueryRow(ctx, `SELECT count(*) FROM inventory`).Scan(&inventories); err != nil {
		log.Error().Err(err).Msg("failed to count local inventory")
		return
	}
	err := w.DB.QueryRow(ctx,
		`SELECT count(*) FROM pending_changes WHERE status = $1`, StatusPending).Scan(&pending)
	if err != nil {
		log.Error().Err(err).Msg("failed to count pending changes")
		return
	}
	w.Metrics.InventoryCount.Set(inventories)
	w.Metrics.PendingChanges.Set(pending)
}
