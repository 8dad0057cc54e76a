// Package storeapi is a store node's HTTP surface: the local write path that
// point-of-sale hits (and which stays available during partitions), the
// pending-change status endpoints, the manual sync trigger, and the health
// and metrics debug endpoints.
package storeapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/metrics"
)

// SyncRunner drains the pending-change log; *syncworker.Worker satisfies it.
type SyncRunner interface {
	ProcessPendingOnce(ctx context.Context) (int, error)
	RefreshGauges(ctx context.Context)
}

// GenericResponse is the {ok, message} envelope the sync endpoints answer with.
type GenericResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Server holds dependencies for the store HTTP handlers.
type Server struct {
	DB      *pgxpool.Pool
	Metrics *metrics.Store
	Sync    SyncRunner
}

// Routes creates the HTTP router with all store endpoints. The local surface
// is unauthenticated: it faces the in-store network, not the fleet.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Get("/metrics", s.MetricsSnapshot)

	r.Get("/v1/local/inventory/{sku}", s.GetLocalInventory)
	r.Post("/v1/local/inventory/{sku}/update", s.UpdateLocalInventory)
	r.Get("/v1/local/inventory/{sku}/operation_id", s.LatestOperationID)

	r.Get("/v1/local/sync/status/{operationID}", s.SyncStatus)
	r.Post("/v1/local/sync/trigger", s.TriggerSync)

	log.Info().Msg("store HTTP routes registered")
	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeDetail writes the {"detail": ...} error envelope.
func writeDetail(w http.ResponseWriter, code int, detail any) {
	writeJSON(w, code, map[string]any{"detail": detail})
}
