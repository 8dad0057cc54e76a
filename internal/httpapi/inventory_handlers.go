package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/auth"
	"github.com/erauner12/stocksync/internal/service/inventory"
	"github.com/erauner12/stocksync/internal/syncx"
)

// GetInventory handles GET /v1/inventory/{sku}.
func (s *Server) GetInventory(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	st, err := s.Inventory.Get(r.Context(), sku)
	if err != nil {
		writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListInventory handles GET /v1/inventory with keyset pagination.
func (s *Server) ListInventory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	cursor, ok := syncx.DecodeCursor(r.URL.Query().Get("cursor"))
	if !ok {
		cursor = syncx.Cursor{}
	}

	page, err := s.Inventory.List(r.Context(), cursor, limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list inventory")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// AdjustInventory handles POST /v1/inventory/{sku}/adjust, the optimistic
// mutation endpoint stores push their pending changes through.
func (s *Server) AdjustInventory(w http.ResponseWriter, r *http.Request) {
	var req inventory.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	// The path parameter is authoritative for the target SKU.
	req.SKU = chi.URLParam(r, "sku")

	caller := auth.Caller(r.Context())
	idempotencyKey := r.Header.Get("Idempotency-Key")

	st, err := s.Inventory.Adjust(r.Context(), caller.ServiceName, idempotencyKey, req)
	if err != nil {
		writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// BulkSync handles POST /v1/inventory/bulk-sync. The response preserves item
// order; conflicted items carry the row's current state instead of failing
// the batch.
func (s *Server) BulkSync(w http.ResponseWriter, r *http.Request) {
	var req inventory.BulkSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	caller := auth.Caller(r.Context())
	states, err := s.Inventory.BulkSync(r.Context(), caller.ServiceName, req.Items)
	if err != nil {
		writeInventoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

// writeInventoryError maps engine errors onto the wire contract.
func writeInventoryError(w http.ResponseWriter, err error) {
	var conflict *inventory.ConflictError
	var insufficient *inventory.InsufficientQuantityError
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "SKU not found")
	case errors.As(err, &conflict):
		writeDetail(w, http.StatusConflict, conflict.Body())
	case errors.As(err, &insufficient):
		writeDetail(w, http.StatusBadRequest, insufficient.Error())
	default:
		log.Error().Err(err).Msg("inventory operation failed")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
	}
}
