package inventory

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// bulkConcurrency bounds how many adjustments a single batch runs at once.
// Each item holds its own row lock, so independent SKUs do not serialize.
const bulkConcurrency = 10

// BulkSync applies a batch of adjustments and returns the resulting states
// in input order. A version conflict on one item does not fail the batch;
// the item's slot is filled with the row's current state instead. Any other
// error aborts the whole batch.
func (s *Service) BulkSync(ctx context.Context, caller string, items []UpdateRequest) ([]State, error) {
	defer s.Metrics.BulkSyncTotal.Inc()

	results := make([]State, len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			// Items without an operation id skip deduplication; a shared
			// "bulk-" key would collide across items.
			key := ""
			if item.OperationID != "" {
				key = "bulk-" + item.OperationID
			}
			st, err := s.Adjust(ctx, caller, key, item)

			var conflict *ConflictError
			if errors.As(err, &conflict) {
				// Conflicted items report the latest state at their position.
				current, gerr := s.Get(ctx, item.SKU)
				if gerr != nil {
					return gerr
				}
				log.Warn().
					Str("sku", item.SKU).
					Str("operationId", item.OperationID).
					Int64("currentVersion", current.Version).
					Msg("bulk item conflicted, substituting current state")
				results[i] = current
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = st
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.Metrics.UpdateFailuresTotal.Inc()
		return nil, err
	}
	return results, nil
}
