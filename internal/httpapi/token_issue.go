package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/auth"
)

type tokenRequest struct {
	ServiceName   string `json:"service_name"`
	ServiceSecret string `json:"service_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// IssueToken handles POST /auth/token: exact credential match, then a signed
// bearer token. Sits behind the per-service token bucket so a misbehaving
// store cannot hammer credential lookups.
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	allowed, retryAfter := s.tokenLimiter.Allow(req.ServiceName)
	if !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		log.Warn().
			Str("service", req.ServiceName).
			Int("retryAfter", retryAfter).
			Msg("token issuance rate limited")
		writeDetail(w, http.StatusTooManyRequests,
			"Rate limit exceeded. Please retry after "+strconv.Itoa(retryAfter)+" seconds.")
		return
	}

	role, err := s.Credentials(r.Context(), req.ServiceName, req.ServiceSecret)
	if err != nil {
		var ae *auth.Error
		if errors.As(err, &ae) {
			log.Warn().Str("service", req.ServiceName).Msg("token issuance rejected")
			writeDetail(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		log.Error().Err(err).Msg("credential lookup failed")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	token, err := auth.IssueToken(s.Auth, req.ServiceName, role)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign service token")
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Info().Str("service", req.ServiceName).Str("role", role).Msg("issued service token")
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: token, TokenType: "bearer"})
}

// pgCredentials resolves credentials against service_credentials.
func pgCredentials(db *pgxpool.Pool) CredentialLookup {
	return func(ctx context.Context, serviceName, serviceSecret string) (string, error) {
		var role string
		err := db.QueryRow(ctx,
			`SELECT role FROM service_credentials WHERE service_name = $1 AND service_secret = $2`,
			serviceName, serviceSecret).Scan(&role)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", auth.ErrUnknownService
		}
		if err != nil {
			return "", err
		}
		return role, nil
	}
}
