package centralclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/inventory"
)

// maxRetries is the number of retries after the initial attempt. Combined
// with the ladder below this yields sleeps of 1, 2, 4, 8, 16 and 32 seconds.
const maxRetries = 6

// StatusError is a non-retryable HTTP rejection from central (4xx other than
// 409). Detail carries the response body's detail string.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Detail)
}

// Client pushes inventory adjustments to the central authority. Transport
// failures and 5xx responses are retried on an exponential ladder; a version
// conflict surfaces immediately as *inventory.ConflictError so the caller can
// record central's version and rebase.
type Client struct {
	baseURL    string
	broker     *TokenBroker
	httpClient *http.Client
	metrics    *metrics.Store

	// newBackOff builds the per-call retry schedule. Tests swap it for a
	// zero-delay ladder.
	newBackOff func(ctx context.Context) backoff.BackOff
}

// New creates a Client. timeout bounds each individual HTTP attempt, not the
// whole retry sequence.
func New(baseURL string, broker *TokenBroker, m *metrics.Store, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		broker:     broker,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
		newBackOff: retryLadder,
	}
}

func retryLadder(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 32 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// Adjust posts one versioned adjustment to central. The operation id doubles
// as the idempotency key, so a retry that lands after a lost ACK cannot
// double-apply.
func (c *Client) Adjust(ctx context.Context, req inventory.UpdateRequest) (inventory.State, error) {
	return backoff.RetryWithData(func() (inventory.State, error) {
		st, err := c.adjustOnce(ctx, req, false)
		return st, err
	}, c.newBackOff(ctx))
}

// adjustOnce performs a single attempt. A 401 invalidates the cached token
// and redoes the attempt once with a fresh one before giving up.
func (c *Client) adjustOnce(ctx context.Context, req inventory.UpdateRequest, retriedAuth bool) (inventory.State, error) {
	c.metrics.SyncAttemptsTotal.Inc()

	token, err := c.broker.Token(ctx)
	if err != nil {
		return inventory.State{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return inventory.State{}, backoff.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/inventory/"+req.SKU+"/adjust", bytes.NewReader(body))
	if err != nil {
		return inventory.State{}, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Idempotency-Key", req.OperationID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.PushResponseSeconds.Set(time.Since(start).Seconds())
	if err != nil {
		log.Warn().Err(err).Str("sku", req.SKU).Msg("adjust request failed")
		return inventory.State{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var st inventory.State
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return inventory.State{}, fmt.Errorf("decode adjust response: %w", err)
		}
		return st, nil

	case resp.StatusCode == http.StatusUnauthorized:
		c.broker.Invalidate()
		if retriedAuth {
			return inventory.State{}, backoff.Permanent(
				&StatusError{Code: resp.StatusCode, Detail: readDetailString(resp.Body)})
		}
		log.Warn().Str("sku", req.SKU).Msg("central rejected token, refetching once")
		resp.Body.Close()
		return c.adjustOnce(ctx, req, true)

	case resp.StatusCode == http.StatusConflict:
		conflict, err := decodeConflict(resp.Body)
		if err != nil {
			return inventory.State{}, backoff.Permanent(err)
		}
		return inventory.State{}, backoff.Permanent(conflict)

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return inventory.State{}, backoff.Permanent(
			&StatusError{Code: resp.StatusCode, Detail: readDetailString(resp.Body)})

	default:
		// 5xx: retryable, consumes a ladder slot.
		return inventory.State{}, fmt.Errorf("unexpected response: %d", resp.StatusCode)
	}
}

// decodeConflict parses the 409 envelope; current_state is the only shape a
// store may rely on to rebase.
func decodeConflict(r io.Reader) (*inventory.ConflictError, error) {
	var envelope struct {
		Detail inventory.ConflictBody `json:"detail"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode conflict response: %w", err)
	}
	return &inventory.ConflictError{Current: envelope.Detail.CurrentState}, nil
}

func readDetailString(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "unreadable response body"
	}
	var envelope struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Detail != "" {
		return envelope.Detail
	}
	return string(bytes.TrimSpace(raw))
}

// IsConflict reports whether err is a version conflict from central.
func IsConflict(err error) bool {
	var conflict *inventory.ConflictError
	return errors.As(err, &conflict)
}
