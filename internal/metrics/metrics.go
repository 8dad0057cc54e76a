// Package metrics holds the process-wide counters and gauges published by
// the central and store services. Updates are lock-free; exposition is a
// JSON snapshot keyed by the canonical metric names.
package metrics

import (
	"math"
	"sync/atomic"
)

// Counter is a monotonically increasing event count.
type Counter struct {
	n atomic.Int64
}

// Inc adds one to the counter.
func (c *Counter) Inc() {
	c.n.Add(1)
}

// Value returns the current count.
func (c *Counter) Value() int64 {
	return c.n.Load()
}

// Gauge holds the latest observed integer value.
type Gauge struct {
	n atomic.Int64
}

// Set replaces the gauge value.
func (g *Gauge) Set(v int64) {
	g.n.Store(v)
}

// Value returns the last value set.
func (g *Gauge) Value() int64 {
	return g.n.Load()
}

// FloatGauge holds the latest observed float value, typically seconds.
type FloatGauge struct {
	bits atomic.Uint64
}

// Set replaces the gauge value.
func (g *FloatGauge) Set(v float64) {
	g.bits.Store(math.Float64bits(v))
}

// Value returns the last value set.
func (g *FloatGauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

// Central is the metric registry for the central authority service.
type Central struct {
	UpdatesTotal         Counter
	UpdateConflictsTotal Counter
	UpdateFailuresTotal  Counter
	BulkSyncTotal        Counter

	InventoryCount  Gauge
	IdempotencyKeys Gauge
}

// Snapshot returns the registry as a flat map keyed by metric name.
func (m *Central) Snapshot() map[string]any {
	return map[string]any{
		"central_inventory_updates_total":          m.UpdatesTotal.Value(),
		"central_inventory_update_conflicts_total": m.UpdateConflictsTotal.Value(),
		"central_inventory_update_failures_total":  m.UpdateFailuresTotal.Value(),
		"central_bulk_sync_total":                  m.BulkSyncTotal.Value(),
		"central_inventory_count":                  m.InventoryCount.Value(),
		"central_idempotency_keys":                 m.IdempotencyKeys.Value(),
	}
}

// Store is the metric registry for a store node.
type Store struct {
	SyncAttemptsTotal  Counter
	SyncSuccessTotal   Counter
	SyncConflictsTotal Counter
	SyncFailuresTotal  Counter
	LocalUpdatesTotal  Counter

	InventoryCount Gauge
	PendingChanges Gauge

	// Latest observations, in seconds.
	SyncDurationSeconds FloatGauge
	PushResponseSeconds FloatGauge
}

// Snapshot returns the registry as a flat map keyed by metric name.
func (m *Store) Snapshot() map[string]any {
	return map[string]any{
		"store_sync_attempts_total":   m.SyncAttemptsTotal.Value(),
		"store_sync_success_total":    m.SyncSuccessTotal.Value(),
		"store_sync_conflicts_total":  m.SyncConflictsTotal.Value(),
		"store_sync_failures_total":   m.SyncFailuresTotal.Value(),
		"store_local_updates_total":   m.LocalUpdatesTotal.Value(),
		"store_inventory_count":       m.InventoryCount.Value(),
		"store_pending_changes":       m.PendingChanges.Value(),
		"store_sync_duration_seconds": m.SyncDurationSeconds.Value(),
		"store_push_response_seconds": m.PushResponseSeconds.Value(),
	}
}
