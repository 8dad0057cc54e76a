// Package centralclient is the store node's HTTP client for the central
// authority: bearer-token acquisition and caching, and the adjust call the
// sync worker pushes pending changes through, with its retry ladder.
package centralclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// expiryBuffer is how long before token expiry a refresh is triggered.
const expiryBuffer = 30 * time.Second

// TokenBroker acquires and caches the store's own service token. One broker
// exists per process; concurrent sync tasks share it through the mutex.
type TokenBroker struct {
	mu            sync.Mutex
	baseURL       string
	serviceName   string
	serviceSecret string
	httpClient    *http.Client

	token     string
	expiresAt time.Time
}

// NewTokenBroker creates a broker that mints tokens from central at baseURL.
func NewTokenBroker(baseURL, serviceName, serviceSecret string, httpClient *http.Client) *TokenBroker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenBroker{
		baseURL:       baseURL,
		serviceName:   serviceName,
		serviceSecret: serviceSecret,
		httpClient:    httpClient,
	}
}

// Token returns the cached token while it is still comfortably inside its
// lifetime, fetching a fresh one from POST /auth/token otherwise.
func (b *TokenBroker) Token(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.token != "" && time.Now().Before(b.expiresAt.Add(-expiryBuffer)) {
		return b.token, nil
	}

	token, expiresAt, err := b.fetch(ctx)
	if err != nil {
		return "", err
	}
	b.token = token
	b.expiresAt = expiresAt

	log.Info().
		Str("service", b.serviceName).
		Time("expiresAt", expiresAt).
		Msg("acquired new service token")
	return token, nil
}

// Invalidate drops the cached token. The next Token call fetches a fresh one.
func (b *TokenBroker) Invalidate() {
	b.mu.Lock()
	b.token = ""
	b.expiresAt = time.Time{}
	b.mu.Unlock()

	log.Debug().Str("service", b.serviceName).Msg("invalidated cached token")
}

func (b *TokenBroker) fetch(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"service_name":   b.serviceName,
		"service_secret": b.serviceSecret,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", time.Time{}, fmt.Errorf("token request rejected: status %d: %s",
			resp.StatusCode, bytes.TrimSpace(detail))
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing access_token")
	}

	return tr.AccessToken, tokenExpiry(tr.AccessToken), nil
}

// tokenExpiry reads exp from the token without verifying the signature; the
// broker only needs it to schedule its own refresh. An undecodable token is
// treated as already expired so every call refetches rather than wedging.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
