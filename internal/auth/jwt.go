// Package auth implements the service-to-service token protocol: HMAC-signed
// bearer tokens minted from provisioned service credentials and verified on
// every authenticated central endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxIdentity ctxKey = "serviceIdentity"

// Audience is the required aud claim on every service token.
const Audience = "central-service"

// Config holds token signing configuration shared by issuer and verifier.
type Config struct {
	Secret    string        // process-wide HMAC secret
	Algorithm string        // HMAC family method name, e.g. HS256
	TTL       time.Duration // token lifetime
}

func (c Config) method() (*jwt.SigningMethodHMAC, error) {
	m, ok := jwt.GetSigningMethod(c.Algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
	return m, nil
}

// ServiceClaims is the claim set carried by service tokens.
type ServiceClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified caller of an authenticated request.
type Identity struct {
	ServiceName string
	Role        string
}

// Error is an authentication failure whose Detail is the wire-facing
// message written into the 401 body.
type Error struct {
	Detail string
}

func (e *Error) Error() string { return e.Detail }

var (
	ErrNotAuthenticated = &Error{Detail: "Not authenticated"}
	ErrMissingIssuer    = &Error{Detail: "Missing issuer claim"}
	ErrUnknownService   = &Error{Detail: "Unknown service"}
	ErrInvalidToken     = &Error{Detail: "Could not validate credentials"}
)

// IssueToken mints a signed bearer token for the named service.
// Claims: iss = sub = serviceName, aud = Audience, exp = now + TTL.
func IssueToken(cfg Config, serviceName, role string) (string, error) {
	method, err := cfg.method()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := ServiceClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    serviceName,
			Subject:   serviceName,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	return jwt.NewWithClaims(method, claims).SignedString([]byte(cfg.Secret))
}

// LookupRole resolves a service name to its provisioned role. Implementations
// return ErrUnknownService when the service is not provisioned.
type LookupRole func(ctx context.Context, serviceName string) (string, error)

// VerifyToken validates an inbound bearer token and resolves the caller.
//
// Order of checks mirrors the issuance protocol: decode without signature
// verification to learn the issuer, confirm the issuer is a provisioned
// service, then re-decode with signature, audience and expiry enforcement.
func VerifyToken(ctx context.Context, cfg Config, token string, lookup LookupRole) (Identity, error) {
	var unverified ServiceClaims
	// A token that cannot be decoded at all gets the generic rejection; the
	// issuer checks below only apply to well-formed tokens.
	if _, _, err := jwt.NewParser().ParseUnverified(token, &unverified); err != nil {
		return Identity{}, ErrInvalidToken
	}
	issuer := unverified.Issuer
	if issuer == "" {
		return Identity{}, ErrMissingIssuer
	}

	role, err := lookup(ctx, issuer)
	if err != nil {
		return Identity{}, err
	}

	claims := &ServiceClaims{}
	_, err = jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}

	return Identity{ServiceName: issuer, Role: role}, nil
}

// Middleware enforces bearer-token authentication, resolving issuers against
// the service_credentials table.
func Middleware(db *pgxpool.Pool, cfg Config) func(http.Handler) http.Handler {
	lookup := func(ctx context.Context, serviceName string) (string, error) {
		var role string
		err := db.QueryRow(ctx,
			`SELECT role FROM service_credentials WHERE service_name = $1`,
			serviceName).Scan(&role)
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUnknownService
		}
		if err != nil {
			return "", err
		}
		return role, nil
	}
	return MiddlewareWithLookup(cfg, lookup)
}

// MiddlewareWithLookup is Middleware with an injectable credential lookup.
func MiddlewareWithLookup(cfg Config, lookup LookupRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract token from Authorization header
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}
			if tok == "" {
				writeDetail(w, http.StatusUnauthorized, ErrNotAuthenticated.Detail)
				return
			}

			identity, err := VerifyToken(r.Context(), cfg, tok, lookup)
			if err != nil {
				var ae *Error
				if errors.As(err, &ae) {
					log.Warn().Err(err).Msg("service token rejected")
					writeDetail(w, http.StatusUnauthorized, ae.Detail)
					return
				}
				log.Error().Err(err).Msg("credential lookup failed")
				writeDetail(w, http.StatusInternalServerError, "Internal server error")
				return
			}

			ctx := context.WithValue(r.Context(), ctxIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Caller extracts the verified service identity from the request context.
// Returns the zero Identity if the request did not pass the middleware.
func Caller(ctx context.Context) Identity {
	if v := ctx.Value(ctxIdentity); v != nil {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"detail": detail})
}
