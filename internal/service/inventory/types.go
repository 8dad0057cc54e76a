// Package inventory implements the central authority's stock state: versioned
// adjustments under optimistic locking, the idempotency cache that deduplicates
// retried mutations, and the bounded-concurrency bulk coordinator stores use
// to reconcile.
package inventory

import (
	"errors"
	"fmt"
	"time"
)

// State is the wire representation of an inventory row.
type State struct {
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Quantity  int64     `json:"quantity"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateRequest is a single inventory adjustment. Version is the version the
// caller expects the row to hold; OperationID identifies the originating
// store mutation.
type UpdateRequest struct {
	SKU         string `json:"sku"`
	Delta       int64  `json:"delta"`
	Version     int64  `json:"version"`
	OperationID string `json:"operation_id,omitempty"`
}

// BulkSyncRequest is the batch payload stores post during reconciliation.
type BulkSyncRequest struct {
	Items []UpdateRequest `json:"items"`
}

// ListResult is one page of a keyset-paginated inventory listing.
type ListResult struct {
	Items      []State `json:"items"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// ErrNotFound reports an unknown SKU.
var ErrNotFound = errors.New("SKU not found")

// ConflictError indicates the caller's expected version is stale. Current
// carries the authoritative state the caller rebases onto; it is the only
// contract clients may rely on after a 409.
type ConflictError struct {
	Current State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: current version is %d", e.Current.Version)
}

// ConflictBody is the 409 response envelope.
type ConflictBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	CurrentState State  `json:"current_state"`
}

// Body returns the wire envelope for the conflict.
func (e *ConflictError) Body() ConflictBody {
	return ConflictBody{
		Error:        "CONFLICT",
		Message:      "Optimistic lock failed - item was updated",
		CurrentState: e.Current,
	}
}

// InsufficientQuantityError reports a delta that would drive quantity below
// zero. Its Error string is the wire-facing message.
type InsufficientQuantityError struct {
	Available int64
	Requested int64 // absolute value of the rejected delta
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("Insufficient quantity. Available: %d, requested: %d", e.Available, e.Requested)
}
