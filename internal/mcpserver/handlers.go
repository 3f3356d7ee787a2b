package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acal-network/arbitro/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleHealth reports service health.
func (h *Handlers) HandleHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Health check failed: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse health: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetOrder shows one order from the ledger and the chain.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}

	text, err := formatOrder(id, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListOrders lists indexed orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListOrders(ctx, apiclient.ListOrdersParams{
		Status: req.GetString("status", ""),
		Maker:  req.GetString("maker", ""),
		Taker:  req.GetString("taker", ""),
		Limit:  req.GetInt("limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetStats returns marketplace totals.
func (h *Handlers) HandleGetStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetStats(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckReconciliation returns the ledger drift report.
func (h *Handlers) HandleCheckReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Reconciliation(ctx, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReconciliation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmPayment submits a taker's payment proof.
func (h *Handlers) HandleConfirmPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := apiclient.ConfirmPaymentRequest{
		OrderID:      req.GetString("order_id", ""),
		TakerAddress: req.GetString("taker_address", ""),
		ProofHash:    req.GetString("proof_hash", ""),
		Signature:    req.GetString("signature", ""),
	}
	if body.OrderID == "" || body.TakerAddress == "" || body.ProofHash == "" {
		return mcp.NewToolResultError("order_id, taker_address and proof_hash are required"), nil
	}

	raw, err := h.client.ConfirmPayment(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payment confirmation rejected: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s: %s\n", body.OrderID, getString(resp, "message"))
	if v := getString(resp, "resolution"); v != "" {
		fmt.Fprintf(&sb, "Resolution: %s\n", v)
	}
	if getString(resp, "resolution") == "PENDING_MANUAL" {
		sb.WriteString("The order needs manual review; use resolve_order once the payment is verified.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleResolveOrder requests a manual resolution.
func (h *Handlers) HandleResolveOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("order_id", "")
	if id == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	args := req.GetArguments()
	if _, ok := args["verdict"]; !ok {
		return mcp.NewToolResultError("verdict is required"), nil
	}
	verdict := req.GetInt("verdict", -1)
	if verdict < 0 || verdict > 2 {
		return mcp.NewToolResultError("verdict must be 0, 1 or 2"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.Resolve(ctx, id, verdict, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s: %s\n", id, getString(resp, "message"))
	fmt.Fprintf(&sb, "Verdict: %s\n", verdictName(verdict))
	if v := getString(resp, "txHash"); v != "" {
		fmt.Fprintf(&sb, "Transaction: %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func verdictName(v int) string {
	switch v {
	case 0:
		return "favour maker"
	case 1:
		return "favour taker"
	default:
		return "split"
	}
}

func formatHealth(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Status: %s\n", getString(m, "status"))
	if v := getString(m, "arbitro"); v != "" {
		fmt.Fprintf(&sb, "Arbitro: %s\n", v)
	}
	if rpc, ok := m["rpc"].(map[string]any); ok {
		fmt.Fprintf(&sb, "RPC: %s\n", getString(rpc, "active"))
	}
	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			state := "ok"
			if healthy, _ := cm["healthy"].(bool); !healthy {
				state = "FAILING"
			}
			line := fmt.Sprintf("  %s: %s", getString(cm, "name"), state)
			if d := getString(cm, "detail"); d != "" {
				line += " (" + d + ")"
			}
			sb.WriteString(line + "\n")
		}
	}
	return sb.String(), nil
}

func formatOrder(id string, raw json.RawMessage) (string, error) {
	var resp struct {
		Database   map[string]any `json:"database"`
		Blockchain map[string]any `json:"blockchain"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", id)
	if b := resp.Blockchain; b != nil {
		sb.WriteString("On-chain:\n")
		fmt.Fprintf(&sb, "  Maker:  %s\n", getString(b, "maker"))
		if t := getString(b, "taker"); t != "" {
			fmt.Fprintf(&sb, "  Taker:  %s\n", t)
		}
		fmt.Fprintf(&sb, "  MXN:    %s\n", getString(b, "mxn"))
		fmt.Fprintf(&sb, "  MON:    %s\n", getString(b, "mon"))
		fmt.Fprintf(&sb, "  Status: %s\n", getString(b, "status"))
	}
	if d := resp.Database; d != nil {
		sb.WriteString("Ledger:\n")
		fmt.Fprintf(&sb, "  Status: %s\n", getString(d, "status"))
		if v := getString(d, "creationTxHash"); v != "" {
			fmt.Fprintf(&sb, "  Created in: %s\n", v)
		}
	} else {
		sb.WriteString("Ledger: not indexed yet\n")
	}
	return sb.String(), nil
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders  []map[string]any `json:"orders"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected orders response format")
	}
	if len(resp.Orders) == 0 {
		return "No orders found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. #%s %s\n", i+1, getString(o, "id"), getString(o, "status"))
		fmt.Fprintf(&sb, "   MXN %s | MON %s\n", getString(o, "mxn"), getString(o, "mon"))
		fmt.Fprintf(&sb, "   Maker: %s\n", getString(o, "maker"))
		if t := getString(o, "taker"); t != "" {
			fmt.Fprintf(&sb, "   Taker: %s\n", t)
		}
	}
	if resp.HasMore {
		sb.WriteString("\nMore orders are available.")
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats map[string]any `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Stats == nil {
		return "", fmt.Errorf("unexpected stats response format")
	}
	s := resp.Stats

	var sb strings.Builder
	sb.WriteString("Marketplace stats:\n")
	fmt.Fprintf(&sb, "  Total orders: %s\n", getString(s, "totalOrders"))
	fmt.Fprintf(&sb, "  Open: %s | Locked: %s | Disputed: %s\n",
		getString(s, "openOrders"), getString(s, "lockedOrders"), getString(s, "disputedOrders"))
	fmt.Fprintf(&sb, "  Completed: %s | Cancelled: %s\n",
		getString(s, "completedOrders"), getString(s, "cancelledOrders"))
	fmt.Fprintf(&sb, "  Volume: %s MXN / %s MON (wei)\n",
		getString(s, "totalVolumeMXN"), getString(s, "totalVolumeMON"))
	return sb.String(), nil
}

func formatReconciliation(raw json.RawMessage) (string, error) {
	var resp struct {
		Report struct {
			NextID     string   `json:"nextId"`
			Checked    int      `json:"checked"`
			Unreadable int      `json:"unreadable"`
			Missing    []string `json:"missing"`
			Mismatched []struct {
				OrderID      string `json:"orderId"`
				LedgerStatus string `json:"ledgerStatus"`
				ChainStatus  string `json:"chainStatus"`
			} `json:"mismatched"`
			InSync bool `json:"inSync"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r := resp.Report

	var sb strings.Builder
	if r.InSync {
		fmt.Fprintf(&sb, "Ledger in sync: %d order(s) checked below id %s.\n", r.Checked, r.NextID)
	} else {
		fmt.Fprintf(&sb, "Ledger drift: %d order(s) checked below id %s.\n", r.Checked, r.NextID)
	}
	if len(r.Missing) > 0 {
		fmt.Fprintf(&sb, "Missing from ledger: %s\n", strings.Join(r.Missing, ", "))
	}
	for _, m := range r.Mismatched {
		fmt.Fprintf(&sb, "  #%s ledger=%s chain=%s\n", m.OrderID, m.LedgerStatus, m.ChainStatus)
	}
	if r.Unreadable > 0 {
		fmt.Fprintf(&sb, "%d order(s) could not be read from chain.\n", r.Unreadable)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch x := v.(type) {
			case string:
				return x
			case float64:
				return strconv.FormatFloat(x, 'f', -1, 64)
			case bool:
				return fmt.Sprintf("%t", x)
			}
		}
	}
	return ""
}
