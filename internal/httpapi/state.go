package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Healthz handles GET /healthz: liveness plus a database ping.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			log.Error().Err(err).Msg("health check: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MetricsSnapshot handles GET /metrics: a JSON snapshot of the registry,
// keyed by the canonical metric names. Row-count gauges are refreshed at
// read time.
func (s *Server) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	s.Inventory.RefreshGauges(r.Context())
	writeJSON(w, http.StatusOK, s.Metrics.Snapshot())
}
