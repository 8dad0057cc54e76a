package storeapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/service/syncworker"
)

// SyncStatus handles GET /v1/local/sync/status/{operationID}.
func (s *Server) SyncStatus(w http.ResponseWriter, r *http.Request) {
	operationID := chi.URLParam(r, "operationID")

	var status string
	var errText *string
	err := s.DB.QueryRow(r.Context(),
		`SELECT status, error FROM pending_changes WHERE operation_id = $1`,
		operationID).Scan(&status, &errText)
	if errors.Is(err, pgx.ErrNoRows) {
		writeDetail(w, http.StatusNotFound, "Operation not found")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("operationId", operationID).Msg("failed to read sync status")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	message := "Sync status: " + status
	if errText != nil && *errText != "" {
		message += " - " + *errText
	}
	writeJSON(w, http.StatusOK, GenericResponse{
		OK:      status == syncworker.StatusCompleted,
		Message: message,
	})
}

// TriggerSync handles POST /v1/local/sync/trigger: run one drain pass in the
// background and acknowledge immediately. The scheduler keeps running on its
// own; this exists for operators who do not want to wait for the next tick.
func (s *Server) TriggerSync(w http.ResponseWriter, r *http.Request) {
	go func() {
		// Detached from the request; a trigger must survive the caller
		// hanging up.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		processed, err := s.Sync.ProcessPendingOnce(ctx)
		if err != nil {
			log.Error().Err(err).Msg("triggered sync run failed")
			return
		}
		log.Info().Int("processed", processed).Msg("triggered sync run finished")
	}()

	writeJSON(w, http.StatusOK, GenericResponse{
		OK:      true,
		Message: "Sync scheduled in background",
	})
}
