package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acal-network/arbitro/internal/apiclient"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := apiclient.New(apiclient.Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleHealth(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "healthy",
			"arbitro": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			"rpc":     map[string]any{"active": "https://rpc.example"},
			"checks": []any{
				map[string]any{"name": "database", "healthy": true},
				map[string]any{"name": "poller", "healthy": false, "detail": "not running"},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleHealth(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Status: healthy")
	assert.Contains(t, text, "RPC: https://rpc.example")
	assert.Contains(t, text, "database: ok")
	assert.Contains(t, text, "poller: FAILING (not running)")
}

func TestHandleGetOrder(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/order/7", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"database": nil,
			"blockchain": map[string]any{
				"maker": "0x1111", "taker": "0x2222", "mxn": "1500", "mon": "2.5", "status": "4",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(map[string]any{"order_id": "7"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Order 7")
	assert.Contains(t, text, "MON:    2.5")
	assert.Contains(t, text, "Status: 4")
	assert.Contains(t, text, "Ledger: not indexed yet")
}

func TestHandleGetOrder_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleGetOrder(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "order_id is required")
}

func TestHandleListOrders(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DISPUTED", r.URL.Query().Get("status"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{
			"orders": []any{
				map[string]any{"id": "3", "status": "DISPUTED", "mxn": "100", "mon": "1000", "maker": "0xa", "taker": "0xb"},
			},
			"count":   1,
			"hasMore": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleListOrders(context.Background(), makeRequest(map[string]any{"status": "DISPUTED"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 order(s)")
	assert.Contains(t, text, "#3 DISPUTED")
	assert.Contains(t, text, "Taker: 0xb")
	assert.Contains(t, text, "More orders are available.")
}

func TestHandleListOrders_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"orders": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListOrders(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No orders found.", resultText(t, result))
}

func TestHandleGetStats(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"stats": map[string]any{
			"totalOrders": 1200000, "openOrders": 2, "lockedOrders": 1, "disputedOrders": 0,
			"completedOrders": 5, "cancelledOrders": 1,
			"totalVolumeMXN": "9000", "totalVolumeMON": "12000000000000000000",
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetStats(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Total orders: 1200000")
	assert.Contains(t, text, "Volume: 9000 MXN / 12000000000000000000 MON")
}

func TestHandleCheckReconciliation(t *testing.T) {
	var gotRefresh string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRefresh = r.URL.Query().Get("refresh")
		writeJSON(w, http.StatusOK, map[string]any{"report": map[string]any{
			"nextId": "10", "checked": 10, "inSync": false,
			"missing":    []string{"9"},
			"mismatched": []any{map[string]any{"orderId": "4", "ledgerStatus": "DISPUTED", "chainStatus": "COMPLETED"}},
		}})
	}))
	defer cleanup()

	result, err := h.HandleCheckReconciliation(context.Background(), makeRequest(map[string]any{"refresh": true}))
	require.NoError(t, err)
	assert.Equal(t, "true", gotRefresh)
	text := resultText(t, result)
	assert.Contains(t, text, "Ledger drift")
	assert.Contains(t, text, "Missing from ledger: 9")
	assert.Contains(t, text, "#4 ledger=DISPUTED chain=COMPLETED")
}

func TestHandleConfirmPayment(t *testing.T) {
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/confirm-payment", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{
			"success":    true,
			"message":    "Payment confirmed but auto-resolution failed",
			"resolution": "PENDING_MANUAL",
		})
	}))
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"order_id": "5", "taker_address": "0x2222", "proof_hash": "0xproof",
	}))
	require.NoError(t, err)
	assert.Equal(t, "5", body["orderId"])
	assert.Equal(t, "0x2222", body["takerAddress"])
	assert.NotContains(t, body, "signature")

	text := resultText(t, result)
	assert.Contains(t, text, "Resolution: PENDING_MANUAL")
	assert.Contains(t, text, "manual review")
}

func TestHandleConfirmPayment_Rejected(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"success": false, "error": "Unauthorized taker"})
	}))
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"order_id": "5", "taker_address": "0x9999", "proof_hash": "0xproof",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Unauthorized taker")
}

func TestHandleConfirmPayment_MissingFields(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{"order_id": "5"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleResolveOrder(t *testing.T) {
	var gotAuth string
	var body map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/resolve/8", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Order resolved manually", "txHash": "0xabc"})
	}))
	defer cleanup()

	result, err := h.HandleResolveOrder(context.Background(), makeRequest(map[string]any{
		"order_id": "8", "verdict": float64(1), "reason": "seller never paid",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, float64(1), body["verdict"])

	text := resultText(t, result)
	assert.Contains(t, text, "Order resolved manually")
	assert.Contains(t, text, "Verdict: favour taker")
	assert.Contains(t, text, "Transaction: 0xabc")
}

func TestHandleResolveOrder_Validation(t *testing.T) {
	h, cleanup := newTestSetup(http.NotFoundHandler())
	defer cleanup()

	tests := []map[string]any{
		{"verdict": float64(0)},
		{"order_id": "1"},
		{"order_id": "1", "verdict": float64(3)},
	}
	for _, args := range tests {
		result, err := h.HandleResolveOrder(context.Background(), makeRequest(args))
		require.NoError(t, err)
		assert.True(t, result.IsError, "args %v", args)
	}
}

func TestHandleResolveOrder_ServerFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Resolution failed"})
	}))
	defer cleanup()

	result, err := h.HandleResolveOrder(context.Background(), makeRequest(map[string]any{"order_id": "8", "verdict": float64(0)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "500")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(apiclient.Config{APIURL: "http://localhost:3001"})
	require.NotNil(t, s)
}
