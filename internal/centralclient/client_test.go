package centralclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/service/inventory"
)

// fastLadder keeps the retry count but removes the sleeps.
func fastLadder(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxRetries), ctx)
}

// centralStub serves /auth/token plus a configurable adjust handler.
func centralStub(t *testing.T, adjust http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    "store-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign stub token: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": token, "token_type": "bearer"})
	})
	mux.HandleFunc("/v1/inventory/", adjust)
	return httptest.NewServer(mux)
}

func testClient(srv *httptest.Server, m *metrics.Store) *Client {
	broker := NewTokenBroker(srv.URL, "store-1", "s3cret", srv.Client())
	c := New(srv.URL, broker, m, 5*time.Second)
	c.newBackOff = fastLadder
	return c
}

func TestClient_AdjustSuccess(t *testing.T) {
	var gotAuth, gotKey string
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		json.NewEncoder(w).Encode(inventory.State{
			SKU: "A", Name: "widget", Quantity: 7, Version: 2, UpdatedAt: time.Now().UTC(),
		})
	})
	defer srv.Close()

	m := &metrics.Store{}
	c := testClient(srv, m)

	st, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -3, Version: 1, OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	if st.Quantity != 7 || st.Version != 2 {
		t.Errorf("Adjust() = qty %d v%d, want qty 7 v2", st.Quantity, st.Version)
	}
	if gotAuth == "" || gotAuth[:7] != "Bearer " {
		t.Errorf("Authorization header = %q, want bearer token", gotAuth)
	}
	if gotKey != "op-1" {
		t.Errorf("Idempotency-Key = %q, want op-1", gotKey)
	}
	if got := m.SyncAttemptsTotal.Value(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if m.PushResponseSeconds.Value() <= 0 {
		t.Error("push response seconds not observed")
	}
}

func TestClient_ConflictSurfacesWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"detail": inventory.ConflictBody{
				Error:   "CONFLICT",
				Message: "Optimistic lock failed - item was updated",
				CurrentState: inventory.State{
					SKU: "A", Name: "widget", Quantity: 9, Version: 2, UpdatedAt: time.Now().UTC(),
				},
			},
		})
	})
	defer srv.Close()

	c := testClient(srv, &metrics.Store{})
	_, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -2, Version: 1, OperationID: "op-2",
	})

	var conflict *inventory.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Adjust() error = %v, want *inventory.ConflictError", err)
	}
	if conflict.Current.Version != 2 {
		t.Errorf("Current.Version = %d, want 2", conflict.Current.Version)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("409 retried: %d calls, want 1", got)
	}
}

func TestClient_BadRequestSurfacesWithoutRetry(t *testing.T) {
	var calls atomic.Int64
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"detail": "Insufficient quantity. Available: 3, requested: 5",
		})
	})
	defer srv.Close()

	c := testClient(srv, &metrics.Store{})
	_, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -5, Version: 1, OperationID: "op-3",
	})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Adjust() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", se.Code)
	}
	if se.Detail != "Insufficient quantity. Available: 3, requested: 5" {
		t.Errorf("Detail = %q", se.Detail)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("400 retried: %d calls, want 1", got)
	}
}

func TestClient_ServerErrorConsumesRetrySlot(t *testing.T) {
	var calls atomic.Int64
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(inventory.State{SKU: "A", Quantity: 7, Version: 2})
	})
	defer srv.Close()

	m := &metrics.Store{}
	c := testClient(srv, m)

	st, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -3, Version: 1, OperationID: "op-4",
	})
	if err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	if st.Version != 2 {
		t.Errorf("Version = %d, want 2", st.Version)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if got := m.SyncAttemptsTotal.Value(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestClient_RetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	c := testClient(srv, &metrics.Store{})
	_, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -1, Version: 1, OperationID: "op-5",
	})
	if err == nil {
		t.Fatal("Adjust() succeeded, want terminal failure")
	}
	// Initial attempt plus six retries.
	if got := calls.Load(); got != int64(maxRetries)+1 {
		t.Errorf("calls = %d, want %d", got, maxRetries+1)
	}
}

func TestClient_UnauthorizedRefetchesTokenOnce(t *testing.T) {
	var adjustCalls atomic.Int64
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		if adjustCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"detail": "Could not validate credentials"})
			return
		}
		json.NewEncoder(w).Encode(inventory.State{SKU: "A", Quantity: 7, Version: 2})
	})
	defer srv.Close()

	c := testClient(srv, &metrics.Store{})
	st, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -3, Version: 1, OperationID: "op-6",
	})
	if err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	if st.Version != 2 {
		t.Errorf("Version = %d, want 2", st.Version)
	}
	if got := adjustCalls.Load(); got != 2 {
		t.Errorf("adjust calls = %d, want 2", got)
	}
}

func TestClient_PersistentUnauthorizedIsTerminal(t *testing.T) {
	srv := centralStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"detail": "Unknown service"})
	})
	defer srv.Close()

	c := testClient(srv, &metrics.Store{})
	_, err := c.Adjust(context.Background(), inventory.UpdateRequest{
		SKU: "A", Delta: -1, Version: 1, OperationID: "op-7",
	})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("Adjust() error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", se.Code)
	}
}
