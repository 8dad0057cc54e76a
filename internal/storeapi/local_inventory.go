package storeapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/service/syncworker"
)

// LocalState is the wire representation of a local inventory row.
type LocalState struct {
	SKU          string     `json:"sku"`
	Name         string     `json:"name"`
	Quantity     int64      `json:"quantity"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

type localUpdateRequest struct {
	Delta int64 `json:"delta"`
	// Version is the central version the caller believes current; null means
	// "unknown", and the sync worker will declare the local version instead.
	Version     *int64 `json:"version"`
	OperationID string `json:"operation_id"`
}

const localStateColumns = `sku, name, quantity, version, updated_at, last_synced_at`

// GetLocalInventory handles GET /v1/local/inventory/{sku}.
func (s *Server) GetLocalInventory(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	var st LocalState
	err := s.DB.QueryRow(r.Context(),
		`SELECT `+localStateColumns+` FROM inventory WHERE sku = $1`, sku).
		Scan(&st.SKU, &st.Name, &st.Quantity, &st.Version, &st.UpdatedAt, &st.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		writeDetail(w, http.StatusNotFound, "SKU not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sku", sku).Msg("failed to read local inventory")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UpdateLocalInventory handles POST /v1/local/inventory/{sku}/update: apply
// the delta to the local replica and queue a durable sync intent, in one
// transaction, so a successful ACK implies the change will reach central.
func (s *Server) UpdateLocalInventory(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")
	ctx := r.Context()

	var req localUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to begin transaction")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer tx.Rollback(ctx)

	var id, quantity, version int64
	err = tx.QueryRow(ctx,
		`SELECT id, quantity, version FROM inventory WHERE sku = $1 FOR UPDATE`, sku).
		Scan(&id, &quantity, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		writeDetail(w, http.StatusNotFound, "SKU not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sku", sku).Msg("failed to lock local inventory row")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	newQty := quantity + req.Delta
	if newQty < 0 {
		requested := req.Delta
		if requested < 0 {
			requested = -requested
		}
		writeDetail(w, http.StatusBadRequest,
			fmt.Sprintf("Insufficient quantity. Available: %d, requested: %d", quantity, requested))
		return
	}

	var st LocalState
	err = tx.QueryRow(ctx, `
		UPDATE inventory
		SET quantity = $1, version = version + 1, updated_at = now()
		WHERE id = $2
		RETURNING `+localStateColumns,
		newQty, id).
		Scan(&st.SKU, &st.Name, &st.Quantity, &st.Version, &st.UpdatedAt, &st.LastSyncedAt)
	if err != nil {
		log.Error().Err(err).Str("sku", sku).Msg("failed to update local inventory")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = uuid.NewString()
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO pending_changes (operation_id, inventory_id, sku, delta, local_version, central_version, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, operationID, id, sku, req.Delta, st.Version, req.Version, syncworker.StatusPending)
	if err != nil {
		log.Error().Err(err).
			Str("sku", sku).
			Str("operationId", operationID).
			Msg("failed to queue pending change")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		log.Error().Err(err).Msg("failed to commit local update")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.Metrics.LocalUpdatesTotal.Inc()
	log.Info().
		Str("sku", sku).
		Int64("delta", req.Delta).
		Int64("version", st.Version).
		Str("operationId", operationID).
		Msg("local inventory updated, change queued")
	writeJSON(w, http.StatusOK, st)
}

// LatestOperationID handles GET /v1/local/inventory/{sku}/operation_id,
// returning the most recently queued change for the SKU.
func (s *Server) LatestOperationID(w http.ResponseWriter, r *http.Request) {
	sku := chi.URLParam(r, "sku")

	var operationID string
	err := s.DB.QueryRow(r.Context(), `
		SELECT operation_id FROM pending_changes
		WHERE sku = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sku).Scan(&operationID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeDetail(w, http.StatusNotFound, "No change found for SKU")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("sku", sku).Msg("failed to read latest operation id")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"operation_id": operationID})
}
