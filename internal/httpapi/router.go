// Package httpapi is the central authority's HTTP surface: token issuance,
// authenticated inventory reads, versioned adjustments and bulk sync, plus
// the health and metrics debug endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/auth"
	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/inventory"
	"github.com/erauner12/stocksync/internal/syncx"
)

// InventoryService is the mutation engine behind the inventory endpoints.
// *inventory.Service satisfies it; tests substitute a fake.
type InventoryService interface {
	Get(ctx context.Context, sku string) (inventory.State, error)
	List(ctx context.Context, cursor syncx.Cursor, limit int) (*inventory.ListResult, error)
	Adjust(ctx context.Context, caller, idempotencyKey string, req inventory.UpdateRequest) (inventory.State, error)
	BulkSync(ctx context.Context, caller string, items []inventory.UpdateRequest) ([]inventory.State, error)
	RefreshGauges(ctx context.Context)
}

// CredentialLookup resolves exact service credentials to a role at token
// issuance. A miss returns auth.ErrUnknownService.
type CredentialLookup func(ctx context.Context, serviceName, serviceSecret string) (string, error)

// Server holds dependencies for the central HTTP handlers.
type Server struct {
	DB        *pgxpool.Pool
	Inventory InventoryService
	Metrics   *metrics.Central
	Auth      auth.Config

	// TokenRatePerMinute/TokenRateBurst shape the per-service limiter on
	// POST /auth/token. Zero values fall back to 60/min with burst 10.
	TokenRatePerMinute int
	TokenRateBurst     int

	// Credentials and Roles default to service_credentials lookups on DB;
	// tests inject static funcs.
	Credentials CredentialLookup
	Roles       auth.LookupRole

	tokenLimiter *rateLimiter
}

// Routes creates the HTTP router with all central endpoints.
func (s *Server) Routes() http.Handler {
	if s.Credentials == nil {
		s.Credentials = pgCredentials(s.DB)
	}
	if s.tokenLimiter == nil {
		perMinute, burst := s.TokenRatePerMinute, s.TokenRateBurst
		if perMinute <= 0 {
			perMinute = 60
		}
		if burst <= 0 {
			burst = 10
		}
		s.tokenLimiter = newRateLimiter(perMinute, burst)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Get("/metrics", s.MetricsSnapshot)
	r.Post("/auth/token", s.IssueToken)

	r.Group(func(r chi.Router) {
		if s.Roles != nil {
			r.Use(auth.MiddlewareWithLookup(s.Auth, s.Roles))
		} else {
			r.Use(auth.Middleware(s.DB, s.Auth))
		}

		r.Get("/v1/inventory", s.ListInventory)
		r.Get("/v1/inventory/{sku}", s.GetInventory)
		r.Post("/v1/inventory/{sku}/adjust", s.AdjustInventory)
		r.Post("/v1/inventory/bulk-sync", s.BulkSync)
	})

	log.Info().Msg("central HTTP routes registered")
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

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
