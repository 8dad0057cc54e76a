package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/erauner12/stocksync/internal/db"
	"github.com/erauner12/stocksync/internal/metrics"
	"github.com/erauner12/stocksync/internal/syncx"
)

// testService returns a Service over the test database with empty tables.
func testService(t *testing.T) *Service {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.EnsureCentralSchema(ctx, pool); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}
	_, err = pool.Exec(ctx, `
		DELETE FROM idempotency_keys;
		DELETE FROM inventory;
		DELETE FROM service_credentials;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	return NewService(pool, &metrics.Central{})
}

func seedItem(t *testing.T, s *Service, sku, name string, qty, version int64) {
	t.Helper()
	_, err := s.DB.Exec(context.Background(),
		`INSERT INTO inventory (sku, name, quantity, version) VALUES ($1, $2, $3, $4)`,
		sku, name, qty, version)
	if err != nil {
		t.Fatalf("Failed to seed %s: %v", sku, err)
	}
}

func TestAdjust_HappyPath(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)

	st, err := s.Adjust(context.Background(), "store-1", "k1", UpdateRequest{
		SKU: "A", Delta: -3, Version: 1, OperationID: "op-1",
	})
	if err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	if st.Quantity != 7 {
		t.Errorf("Quantity = %d, want 7", st.Quantity)
	}
	if st.Version != 2 {
		t.Errorf("Version = %d, want 2", st.Version)
	}
	if got := s.Metrics.UpdatesTotal.Value(); got != 1 {
		t.Errorf("updates counter = %d, want 1", got)
	}
}

func TestAdjust_StaleVersion(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)

	_, err := s.Adjust(context.Background(), "store-1", "k2", UpdateRequest{
		SKU: "A", Delta: -1, Version: 0, OperationID: "op-2",
	})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Adjust() error = %v, want *ConflictError", err)
	}
	if conflict.Current.Version != 1 {
		t.Errorf("Current.Version = %d, want 1", conflict.Current.Version)
	}
	if got := s.Metrics.UpdateConflictsTotal.Value(); got != 1 {
		t.Errorf("conflicts counter = %d, want 1", got)
	}

	// Row must be untouched.
	st, err := s.Get(context.Background(), "A")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Quantity != 10 || st.Version != 1 {
		t.Errorf("row after conflict = qty %d v%d, want qty 10 v1", st.Quantity, st.Version)
	}
}

func TestAdjust_IdempotentReplay(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)
	ctx := context.Background()

	req := UpdateRequest{SKU: "A", Delta: -3, Version: 1, OperationID: "op-1"}
	first, err := s.Adjust(ctx, "store-1", "k1", req)
	if err != nil {
		t.Fatalf("first Adjust() error = %v", err)
	}

	// Identical request replayed within the TTL: no further version bump.
	second, err := s.Adjust(ctx, "store-1", "k1", req)
	if err != nil {
		t.Fatalf("replayed Adjust() error = %v", err)
	}
	if second.Quantity != first.Quantity || second.Version != first.Version {
		t.Errorf("replay = qty %d v%d, want qty %d v%d",
			second.Quantity, second.Version, first.Quantity, first.Version)
	}
	if second.Version != 2 {
		t.Errorf("Version after replay = %d, want 2", second.Version)
	}
}

func TestAdjust_ExpiredKeyIsMiss(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)
	ctx := context.Background()

	req := UpdateRequest{SKU: "A", Delta: -3, Version: 1, OperationID: "op-1"}
	if _, err := s.Adjust(ctx, "store-1", "k1", req); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}

	// Age the key out; the replay must behave like a fresh (stale) request.
	_, err := s.DB.Exec(ctx,
		`UPDATE idempotency_keys SET expires_at = now() - interval '1 hour' WHERE key = 'k1'`)
	if err != nil {
		t.Fatalf("Failed to expire key: %v", err)
	}

	_, err = s.Adjust(ctx, "store-1", "k1", req)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Adjust() after expiry error = %v, want *ConflictError", err)
	}
	if conflict.Current.Version != 2 {
		t.Errorf("Current.Version = %d, want 2", conflict.Current.Version)
	}
}

func TestAdjust_NotFound(t *testing.T) {
	s := testService(t)

	_, err := s.Adjust(context.Background(), "store-1", "k1", UpdateRequest{
		SKU: "MISSING", Delta: 1, Version: 1,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Adjust() error = %v, want ErrNotFound", err)
	}
}

func TestAdjust_QuantityBoundary(t *testing.T) {
	s := testService(t)
	ctx := context.Background()

	t.Run("delta to exactly zero succeeds", func(t *testing.T) {
		seedItem(t, s, "Z", "zeroable", 10, 1)
		st, err := s.Adjust(ctx, "store-1", "kz", UpdateRequest{SKU: "Z", Delta: -10, Version: 1})
		if err != nil {
			t.Fatalf("Adjust() error = %v", err)
		}
		if st.Quantity != 0 {
			t.Errorf("Quantity = %d, want 0", st.Quantity)
		}
	})

	t.Run("one past zero fails with exact message", func(t *testing.T) {
		seedItem(t, s, "N", "negatable", 10, 1)
		_, err := s.Adjust(ctx, "store-1", "kn", UpdateRequest{SKU: "N", Delta: -11, Version: 1})

		var insufficient *InsufficientQuantityError
		if !errors.As(err, &insufficient) {
			t.Fatalf("Adjust() error = %v, want *InsufficientQuantityError", err)
		}
		want := "Insufficient quantity. Available: 10, requested: 11"
		if err.Error() != want {
			t.Errorf("error = %q, want %q", err.Error(), want)
		}
	})
}

func TestAdjust_ConcurrentSameVersion(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Adjust(ctx, "store-1", fmt.Sprintf("ck-%d", i), UpdateRequest{
				SKU: "A", Delta: -1, Version: 1, OperationID: fmt.Sprintf("cop-%d", i),
			})
		}(i)
	}
	wg.Wait()

	successes, conflicts := 0, 0
	for _, err := range errs {
		var conflict *ConflictError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if conflicts != n-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, n-1)
	}

	st, err := s.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if st.Version != 2 || st.Quantity != 9 {
		t.Errorf("final state = qty %d v%d, want qty 9 v2", st.Quantity, st.Version)
	}
}

func TestAdjust_RoundTrip(t *testing.T) {
	s := testService(t)
	seedItem(t, s, "A", "widget", 10, 1)
	ctx := context.Background()

	up, err := s.Adjust(ctx, "store-1", "rt-1", UpdateRequest{SKU: "A", Delta: 4, Version: 1})
	if err != nil {
		t.Fatalf("Adjust(+4) error = %v", err)
	}
	down, err := s.Adjust(ctx, "store-1", "rt-2", UpdateRequest{SKU: "A", Delta: -4, Version: up.Version})
	if err != nil {
		t.Fatalf("Adjust(-4) error = %v", err)
	}
	if down.Quantity != 10 {
		t.Errorf("Quantity after round trip = %d, want 10", down.Quantity)
	}
	if down.Version != 3 {
		t.Errorf("Version after round trip = %d, want 3", down.Version)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := testService(t)
	if _, err := s.Get(context.Background(), "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestList_Pagination(t *testing.T) {
	s := testService(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		seedItem(t, s, fmt.Sprintf("SKU-%d", i), fmt.Sprintf("item %d", i), int64(i*10), 1)
	}

	seen := map[string]bool{}
	cursor := syncx.Cursor{}
	for {
		page, err := s.List(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(page.Items) == 0 {
			break
		}
		for _, it := range page.Items {
			if seen[it.SKU] {
				t.Fatalf("SKU %s returned twice", it.SKU)
			}
			seen[it.SKU] = true
		}
		if page.NextCursor == nil {
			break
		}
		next, ok := syncx.DecodeCursor(*page.NextCursor)
		if !ok {
			t.Fatalf("List() returned undecodable cursor %q", *page.NextCursor)
		}
		cursor = next
	}

	if len(seen) != 5 {
		t.Errorf("paginated over %d items, want 5", len(seen))
	}
}
