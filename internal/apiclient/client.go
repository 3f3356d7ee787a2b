// Package apiclient is an HTTP client for the arbitration service API,
// shared by the MCP server and the operator CLI.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for connecting to the service.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:3001"
	AdminSecret string // Sent as a bearer token on manual resolutions
	Timeout     time.Duration
}

// Client is a pure HTTP client for the service API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second // resolutions wait for a receipt
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, msg)
}

// errorBody covers both error shapes the service returns.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ConfirmPaymentRequest is the body of POST /confirm-payment.
type ConfirmPaymentRequest struct {
	OrderID      string `json:"orderId"`
	TakerAddress string `json:"takerAddress"`
	ProofHash    string `json:"proofHash"`
	Signature    string `json:"signature,omitempty"`
}

// ListOrdersParams filters GET /v1/orders.
type ListOrdersParams struct {
	Status string
	Maker  string
	Taker  string
	Limit  int
	Cursor string
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, auth bool) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if auth && c.cfg.AdminSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(respBody, &eb) == nil && (eb.Error != "" || eb.Message != "") {
			apiErr.Code, apiErr.Message = eb.Error, eb.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// Health returns GET /health.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/health", nil, nil, false)
}

// GetOrder returns GET /order/:id, the ledger row next to a live chain read.
func (c *Client) GetOrder(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/order/"+url.PathEscape(id), nil, nil, false)
}

// ListOrders returns GET /v1/orders.
func (c *Client) ListOrders(ctx context.Context, p ListOrdersParams) (json.RawMessage, error) {
	q := url.Values{}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.Maker != "" {
		q.Set("maker", p.Maker)
	}
	if p.Taker != "" {
		q.Set("taker", p.Taker)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/orders", q, nil, false)
}

// GetOrderEvents returns GET /v1/orders/:id/events.
func (c *Client) GetOrderEvents(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(id)+"/events", nil, nil, false)
}

// GetStats returns GET /v1/stats.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil, false)
}

// Reconciliation returns GET /v1/reconciliation.
func (c *Client) Reconciliation(ctx context.Context, refresh bool) (json.RawMessage, error) {
	var q url.Values
	if refresh {
		q = url.Values{"refresh": {"true"}}
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/reconciliation", q, nil, false)
}

// ConfirmPayment posts a taker's payment proof.
func (c *Client) ConfirmPayment(ctx context.Context, r ConfirmPaymentRequest) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/confirm-payment", nil, r, false)
}

// Resolve requests a manual resolution.
func (c *Client) Resolve(ctx context.Context, id string, verdict int, reason string) (json.RawMessage, error) {
	body := map[string]any{"verdict": verdict}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, "/resolve/"+url.PathEscape(id), nil, body, true)
}
