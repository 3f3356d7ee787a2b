package arbitration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/acal-network/arbitro/internal/escrow"
	"github.com/acal-network/arbitro/internal/ledger"
	"github.com/acal-network/arbitro/internal/units"
	"github.com/acal-network/arbitro/internal/validation"
)

// OrderLookup reads the projected order, if any.
type OrderLookup interface {
	GetOrder(ctx context.Context, id string) (*ledger.Order, error)
}

// Handler serves the arbitration endpoints: order inspection, payment
// confirmation and manual resolution.
type Handler struct {
	contract  escrow.Reader
	orders    OrderLookup
	confirmer *Confirmer
	resolver  Resolver
	logger    *slog.Logger
}

// NewHandler creates a new arbitration handler. orders may be nil.
func NewHandler(contract escrow.Reader, orders OrderLookup, confirmer *Confirmer, resolver Resolver, logger *slog.Logger) *Handler {
	return &Handler{
		contract:  contract,
		orders:    orders,
		confirmer: confirmer,
		resolver:  resolver,
		logger:    logger,
	}
}

// RegisterRoutes sets up arbitration routes. guard runs before the manual
// resolution handler.
func (h *Handler) RegisterRoutes(r gin.IRouter, guard ...gin.HandlerFunc) {
	r.GET("/order/:id", h.GetOrder)
	r.POST("/confirm-payment", h.ConfirmPayment)
	r.POST("/resolve/:id", append(guard, h.Resolve)...)
}

// chainOrderView is the on-chain half of GET /order/:id.
type chainOrderView struct {
	Maker  string `json:"maker"`
	Taker  string `json:"taker"`
	MXN    string `json:"mxn"`
	MON    string `json:"mon"`
	Status string `json:"status"`
}

// GetOrder handles GET /order/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := parseOrderID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid order id"})
		return
	}

	snap, err := h.contract.GetOrder(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("order read failed", "order_id", id.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	var projected *ledger.Order
	if h.orders != nil {
		projected, err = h.orders.GetOrder(c.Request.Context(), id.String())
		if err != nil && !errors.Is(err, ledger.ErrOrderNotFound) {
			h.logger.Warn("ledger read failed", "order_id", id.String(), "error", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"database": projected,
		"blockchain": chainOrderView{
			Maker:  snap.Maker.Hex(),
			Taker:  snap.Taker.Hex(),
			MXN:    snap.MXN.String(),
			MON:    units.FormatEther(snap.MON),
			Status: snap.Status.Numeric(),
		},
	})
}

type confirmPaymentBody struct {
	OrderID      json.Number `json:"orderId"`
	TakerAddress string      `json:"takerAddress"`
	ProofHash    string      `json:"proofHash"`
	Signature    string      `json:"signature"`
}

var rejectionStatus = map[error]int{
	ErrOrderNotFound: http.StatusNotFound,
	ErrWrongState:    http.StatusBadRequest,
	ErrUnauthorized:  http.StatusForbidden,
}

var rejectionMessage = map[error]string{
	ErrOrderNotFound: "Order not found",
	ErrWrongState:    "Order not in locked state",
	ErrUnauthorized:  "Unauthorized taker",
}

// ConfirmPayment handles POST /confirm-payment
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var body confirmPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}

	orderID := body.OrderID.String()
	if errs := validation.Validate(
		validation.Required("orderId", orderID),
		validation.Required("takerAddress", body.TakerAddress),
		validation.Required("proofHash", body.ProofHash),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required fields", "details": errs})
		return
	}
	if errs := validation.Validate(
		validation.ValidOrderID("orderId", orderID),
		validation.ValidAddress("takerAddress", body.TakerAddress),
		validation.MaxLength("proofHash", body.ProofHash, validation.MaxProofLength),
		validation.ValidSignature("signature", body.Signature),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": errs.Error(), "details": errs})
		return
	}
	id, _ := new(big.Int).SetString(orderID, 10)

	out := h.confirmer.ConfirmPayment(c.Request.Context(), ConfirmRequest{
		OrderID:      id,
		TakerAddress: body.TakerAddress,
		ProofHash:    validation.SanitizeString(body.ProofHash, validation.MaxProofLength),
		Signature:    body.Signature,
	})

	if out.Kind == Rejected {
		status, ok := rejectionStatus[out.Reason]
		if !ok {
			status = http.StatusBadRequest
		}
		msg, ok := rejectionMessage[out.Reason]
		if !ok && out.Reason != nil {
			msg = out.Reason.Error()
		}
		c.JSON(status, gin.H{"success": false, "error": msg})
		return
	}

	resp := gin.H{
		"success":    true,
		"message":    "Payment confirmed but auto-resolution failed",
		"resolution": out.ResolutionLabel(),
	}
	if out.Kind == AutoResolved {
		resp["message"] = "Payment confirmed and order auto-resolved"
	}
	if out.Resolution != nil && out.Resolution.TxHash != "" {
		resp["txHash"] = out.Resolution.TxHash
	}
	c.JSON(http.StatusOK, resp)
}

type resolveBody struct {
	Verdict *int   `json:"verdict"`
	Reason  string `json:"reason"`
}

// Resolve handles POST /resolve/:id
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := parseOrderID(c.Param("id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid order id"})
		return
	}

	var body resolveBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Verdict == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "verdict is required (0, 1 or 2)"})
		return
	}
	verdict, err := escrow.ParseVerdict(*body.Verdict)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "verdict must be 0, 1 or 2"})
		return
	}

	h.logger.Info("manual resolution requested",
		"order_id", id.String(),
		"verdict", verdict.String(),
		"reason", validation.SanitizeString(body.Reason, 500),
	)

	out := h.resolver.Resolve(c.Request.Context(), id, verdict, ledger.TriggerManual)
	if out.Kind != Resolved {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Resolution failed",
			"reason":  out.Reason(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Order resolved manually",
		"txHash":  out.TxHash,
	})
}

func parseOrderID(s string) (*big.Int, bool) {
	if !validation.IsValidOrderID(s) {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}
