package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acal-network/arbitro/internal/config"
	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	testMaker = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	testTaker = common.HexToAddress("0x00000000000000000000000000000000000000B2")
)

// mockContract is an in-memory escrow contract
type mockContract struct {
	mu      sync.Mutex
	orders  map[int64]*escrow.OrderSnapshot
	nextErr error
	submits int
}

func newMockContract() *mockContract {
	return &mockContract{orders: map[int64]*escrow.OrderSnapshot{}}
}

func (m *mockContract) put(id int64, status escrow.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id] = &escrow.OrderSnapshot{
		ID:     big.NewInt(id),
		Maker:  testMaker,
		Taker:  testTaker,
		MXN:    big.NewInt(250),
		MON:    big.NewInt(2500000000000000000),
		Expiry: big.NewInt(time.Now().Add(time.Hour).Unix()),
		Status: status,
	}
}

func (m *mockContract) GetOrder(_ context.Context, id *big.Int) (*escrow.OrderSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id.Int64()]
	if !ok {
		return &escrow.OrderSnapshot{ID: new(big.Int).Set(id), Status: escrow.StatusOpen}, nil
	}
	cp := *o
	return &cp, nil
}

func (m *mockContract) NextID(context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextErr != nil {
		return nil, m.nextErr
	}
	return big.NewInt(int64(len(m.orders))), nil
}

func (m *mockContract) Arbitro(context.Context) (common.Address, error) {
	return common.Address{}, nil
}

func (m *mockContract) SubmitResolveDispute(_ context.Context, id *big.Int, verdict escrow.Verdict) (*escrow.PendingTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits++
	return &escrow.PendingTx{
		Hash:        common.BigToHash(big.NewInt(int64(m.submits))),
		OrderID:     new(big.Int).Set(id),
		Verdict:     verdict,
		SubmittedAt: time.Now(),
	}, nil
}

func (m *mockContract) WaitForReceipt(_ context.Context, tx *escrow.PendingTx, _ time.Duration) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[tx.OrderID.Int64()].Status = escrow.StatusCompleted
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		RPCURLs:          []string{"http://127.0.0.1:1"},
		ChainID:          config.DefaultChainID,
		EscrowAddress:    config.DefaultEscrowAddress,
		PrivateKey:       "0000000000000000000000000000000000000000000000000000000000000001",
		PollInterval:     time.Hour,
		PollInitialDelay: time.Hour,
		PollWindow:       10,
		ReceiptTimeout:   time.Second,
		ReceiptGrace:     time.Millisecond,
		ReconcileWindow:  10,
		RateLimitRPM:     600,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *mockContract, *ledger.MemoryStore) {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	contract := newMockContract()
	store := ledger.NewMemoryStore()
	s, err := New(cfg, WithContract(contract), WithStore(store), WithDrainDelay(0))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s, contract, store
}

func do(s *Server, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, resp := do(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
	// Address of private key 0x...01
	assert.Equal(t, "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf", resp["arbitro"])
	assert.NotEmpty(t, resp["timestamp"])

	checks, ok := resp["checks"].([]interface{})
	require.True(t, ok)
	assert.Len(t, checks, 2)
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	s, contract, _ := newTestServer(t)
	contract.nextErr = errors.New("connection refused")

	w, resp := do(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", resp["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, resp := do(s, http.MethodGet, "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	assert.Equal(t, "alive", resp["status"])
}

func TestReadinessEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, _ := do(s, http.MethodGet, "/health/ready", "")

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, _ := do(s, http.MethodGet, "/health/live", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, _ = do(s, http.MethodGet, "/health/live", "", "X-Request-ID", "req-123")
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s, _, _ := newTestServer(t)

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/order/:id",
		"POST:/confirm-payment",
		"POST:/resolve/:id",
		"GET:/v1/orders",
		"GET:/v1/orders/:id",
		"GET:/v1/stats",
		"GET:/v1/reconciliation",
		"GET:/v1/poller",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, _ := do(s, http.MethodGet, "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Arbitration endpoint tests
// ---------------------------------------------------------------------------

func TestOrderEndpoint(t *testing.T) {
	s, contract, _ := newTestServer(t)
	contract.put(0, escrow.StatusDisputed)

	w, resp := do(s, http.MethodGet, "/order/0", "")
	require.Equal(t, http.StatusOK, w.Code)

	chain := resp["blockchain"].(map[string]interface{})
	assert.Equal(t, "2.5", chain["mon"])
	assert.Equal(t, "250", chain["mxn"])
	assert.Equal(t, "4", chain["status"])
}

func TestConfirmPaymentEndpoint(t *testing.T) {
	s, contract, store := newTestServer(t)
	contract.put(0, escrow.StatusLocked)

	body := `{"orderId":0,"takerAddress":"` + testTaker.Hex() + `","proofHash":"QmProof"}`
	w, resp := do(s, http.MethodPost, "/confirm-payment", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ledger.ResolutionMakerFavoured, resp["resolution"])

	conf, err := store.GetConfirmation(context.Background(), "0")
	require.NoError(t, err)
	assert.Equal(t, "QmProof", conf.ProofHash)

	recs, err := store.ListResolutions(context.Background(), "0")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ledger.TriggerPayment, recs[0].Trigger)
}

func TestResolveEndpoint_AdminSecret(t *testing.T) {
	s, contract, _ := newTestServer(t, func(c *config.Config) { c.AdminSecret = "s3cret" })
	contract.put(0, escrow.StatusDisputed)

	w, _ := do(s, http.MethodPost, "/resolve/0", `{"verdict":2}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, resp := do(s, http.MethodPost, "/resolve/0", `{"verdict":2}`, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Order resolved manually", resp["message"])
}

// ---------------------------------------------------------------------------
// Ledger endpoint tests
// ---------------------------------------------------------------------------

func TestLedgerEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)

	_, err := s.Projector().Apply(context.Background(), ledger.ChainEvent{
		Type:           ledger.EventCreated,
		OrderID:        "7",
		Maker:          testMaker.Hex(),
		MXN:            big.NewInt(500),
		MON:            big.NewInt(1000000000000000000),
		Expiry:         time.Now().Add(time.Hour).Unix(),
		BlockNumber:    10,
		BlockTimestamp: time.Now().Unix(),
		TxHash:         "0x01",
	})
	require.NoError(t, err)

	w, resp := do(s, http.MethodGet, "/v1/orders/7", "")
	require.Equal(t, http.StatusOK, w.Code)
	order := resp["order"].(map[string]interface{})
	assert.Equal(t, "OPEN", order["status"])

	w, resp = do(s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := resp["stats"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["totalOrders"])

	// The arbitration view merges the ledger row
	w, resp = do(s, http.MethodGet, "/order/7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, resp["database"])
}

func TestPollerStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	w, resp := do(s, http.MethodGet, "/v1/poller", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, resp["running"])
}

func TestShutdownIdempotent(t *testing.T) {
	s, _, _ := newTestServer(t)

	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown())

	w, _ := do(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://arbitro:hunter2@db:5432/arbitro?sslmode=disable")
	assert.NotContains(t, got, "hunter2")
	assert.Contains(t, got, "arbitro")
}
