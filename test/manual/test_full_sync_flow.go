//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// This test drives the complete two-tier flow against a running central and
// store pair:
// 1. Issue a service token from the central /auth/token endpoint
// 2. Read and adjust central inventory directly (including a forced conflict)
// 3. Apply a local update on the store node, which queues a pending change
// 4. Trigger a sync run and poll the operation's status until it completes
// 5. Verify the central quantity reflects the store's local write
//
// Seed both databases with test/manual/seed.sql first, then start both
// binaries before running:
//
//	go run test/manual/test_full_sync_flow.go

// Configuration from environment
var (
	centralURL    = getEnv("CENTRAL_URL", "http://localhost:8080")
	storeURL      = getEnv("STORE_URL", "http://localhost:8081")
	serviceName   = getEnv("SERVICE_NAME", "store-1")
	serviceSecret = getEnv("SERVICE_SECRET", "store-1-secret")
	sku           = getEnv("TEST_SKU", "WIDGET-1")
)

// TokenResponse is the central token endpoint's response
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// InventoryState is an inventory row as both tiers serialize it
type InventoryState struct {
	SKU          string     `json:"sku"`
	Name         string     `json:"name"`
	Quantity     int64      `json:"quantity"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}

// GenericResponse is the store node's ok/message envelope
type GenericResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func main() {
	fmt.Println("=== Full Inventory Sync Flow Test ===")
	fmt.Printf("central=%s store=%s sku=%s\n\n", centralURL, storeURL, sku)

	// Step 1: token issuance
	fmt.Println("Step 1: Issuing service token...")
	token, err := issueToken()
	if err != nil {
		fail("token issuance", err)
	}
	fmt.Println("✅ Token issued")

	// Step 2: central read + adjust
	fmt.Println("\nStep 2: Adjusting central inventory directly...")
	before, err := getCentral(token)
	if err != nil {
		fail("central read", err)
	}
	fmt.Printf("   current: quantity=%d version=%d\n", before.Quantity, before.Version)

	after, status, err := adjustCentral(token, 1, before.Version)
	if err != nil {
		fail("central adjust", err)
	}
	if status != http.StatusOK {
		fail("central adjust", fmt.Errorf("unexpected status %d", status))
	}
	fmt.Printf("✅ Adjusted: quantity=%d version=%d\n", after.Quantity, after.Version)

	// Step 3: a stale version must be rejected with 409
	fmt.Println("\nStep 3: Replaying the stale version (expect 409)...")
	_, status, err = adjustCentral(token, 1, before.Version)
	if err != nil {
		fail("conflict probe", err)
	}
	if status != http.StatusConflict {
		fail("conflict probe", fmt.Errorf("expected 409, got %d", status))
	}
	fmt.Println("✅ Conflict rejected as expected")

	// Step 4: local store write, queued for sync
	fmt.Println("\nStep 4: Applying a local update on the store node...")
	opID, localQty, err := updateLocal(-2)
	if err != nil {
		fail("local update", err)
	}
	fmt.Printf("✅ Local update queued: operation_id=%s quantity=%d\n", opID, localQty)

	// Step 5: trigger a sync run and wait for the operation to settle
	fmt.Println("\nStep 5: Triggering sync and polling status...")
	if err := triggerSync(); err != nil {
		fail("sync trigger", err)
	}
	if err := waitForSync(opID, 30*time.Second); err != nil {
		fail("sync completion", err)
	}
	fmt.Println("✅ Sync completed")

	// Step 6: the central row must now carry the store's delta
	fmt.Println("\nStep 6: Verifying central state...")
	final, err := getCentral(token)
	if err != nil {
		fail("central verify", err)
	}
	want := after.Quantity - 2
	if final.Quantity != want {
		fail("central verify", fmt.Errorf("expected quantity %d, got %d", want, final.Quantity))
	}
	fmt.Printf("✅ Central reflects the local write: quantity=%d version=%d\n", final.Quantity, final.Version)

	fmt.Println("\n=== All steps passed ===")
}

func issueToken() (string, error) {
	body, _ := json.Marshal(map[string]string{
		"service_name":   serviceName,
		"service_secret": serviceSecret,
	})
	resp, err := http.Post(centralURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	var tr TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	return tr.AccessToken, nil
}

func getCentral(token string) (InventoryState, error) {
	req, _ := http.NewRequest(http.MethodGet, centralURL+"/v1/inventory/"+sku, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return InventoryState{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return InventoryState{}, fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	var st InventoryState
	return st, json.NewDecoder(resp.Body).Decode(&st)
}

func adjustCentral(token string, delta, version int64) (InventoryState, int, error) {
	body, _ := json.Marshal(map[string]int64{"delta": delta, "version": version})
	req, _ := http.NewRequest(http.MethodPost, centralURL+"/v1/inventory/"+sku+"/adjust", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return InventoryState{}, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return InventoryState{}, resp.StatusCode, nil
	}
	var st InventoryState
	return st, resp.StatusCode, json.NewDecoder(resp.Body).Decode(&st)
}

func updateLocal(delta int64) (string, int64, error) {
	body, _ := json.Marshal(map[string]int64{"delta": delta})
	resp, err := http.Post(storeURL+"/v1/local/inventory/"+sku+"/update", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	var st InventoryState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return "", 0, err
	}

	opResp, err := http.Get(storeURL + "/v1/local/inventory/" + sku + "/operation_id")
	if err != nil {
		return "", 0, err
	}
	defer opResp.Body.Close()
	if opResp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("operation_id status %d: %s", opResp.StatusCode, readBody(opResp))
	}
	var op struct {
		OperationID string `json:"operation_id"`
	}
	if err := json.NewDecoder(opResp.Body).Decode(&op); err != nil {
		return "", 0, err
	}
	return op.OperationID, st.Quantity, nil
}

func triggerSync() error {
	resp, err := http.Post(storeURL+"/v1/local/sync/trigger", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, readBody(resp))
	}
	return nil
}

func waitForSync(opID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(storeURL + "/v1/local/sync/status/" + opID)
		if err != nil {
			return err
		}
		var gr GenericResponse
		err = json.NewDecoder(resp.Body).Decode(&gr)
		resp.Body.Close()
		if err != nil {
			return err
		}
		fmt.Printf("   %s\n", gr.Message)
		if gr.OK {
			return nil
		}
		if strings.Contains(gr.Message, "failed") {
			return fmt.Errorf("operation %s failed: %s", opID, gr.Message)
		}
		time.Sleep(2 * time.Second)
	}
	return fmt.Errorf("operation %s did not complete within %s", opID, timeout)
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func fail(step string, err error) {
	fmt.Printf("❌ %s failed: %v\n", step, err)
	os.Exit(1)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
