package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/acal-network/arbitro/internal/pagination"
	"github.com/acal-network/arbitro/internal/validation"
)

// Handler serves the read side of the projection.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/orders/:id/events", h.ListEvents)
	r.GET("/orders/:id/resolutions", h.ListResolutions)
	r.GET("/stats", h.GetStats)
}

// ListOrders handles GET /orders
func (h *Handler) ListOrders(c *gin.Context) {
	f := OrderFilter{
		Status: OrderStatus(strings.ToUpper(c.Query("status"))),
		Maker:  validation.SanitizeAddress(c.Query("maker")),
		Taker:  validation.SanitizeAddress(c.Query("taker")),
	}
	if f.Status != "" && !f.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "Unknown order status"})
		return
	}
	for _, addr := range []string{f.Maker, f.Taker} {
		if addr != "" && !validation.IsValidEthAddress(addr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "Address must be 0x + 40 hex chars"})
			return
		}
	}

	limit := parseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	f.After = cursor
	f.Limit = limit + 1

	orders, err := h.store.ListOrders(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list orders"})
		return
	}

	page, next, hasMore := pagination.ComputePage(orders, limit, func(o *Order) (int64, string) {
		return o.CreatedAt, o.ID
	})
	if page == nil {
		page = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{
		"orders":     page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidOrderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id", "message": "Order id must be a decimal integer"})
		return
	}

	order, err := h.store.GetOrder(c.Request.Context(), id)
	if errors.Is(err, ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
		return
	}
	if err != nil {
		h.logger.Error("get order failed", "order_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve order"})
		return
	}

	resp := gin.H{"order": order}
	if conf, err := h.store.GetConfirmation(c.Request.Context(), id); err == nil {
		resp["paymentConfirmation"] = conf
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /orders/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidOrderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id", "message": "Order id must be a decimal integer"})
		return
	}

	events, err := h.store.ListEvents(c.Request.Context(), id, parseLimit(c.Query("limit")))
	if err != nil {
		h.logger.Error("list events failed", "order_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list events"})
		return
	}
	if events == nil {
		events = []*OrderEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListResolutions handles GET /orders/:id/resolutions
func (h *Handler) ListResolutions(c *gin.Context) {
	id := c.Param("id")
	if !validation.IsValidOrderID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order_id", "message": "Order id must be a decimal integer"})
		return
	}

	records, err := h.store.ListResolutions(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list resolutions failed", "order_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list resolutions"})
		return
	}
	if records == nil {
		records = []*ResolutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"resolutions": records, "count": len(records)})
}

// GetStats handles GET /stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.store.GetStats(c.Request.Context())
	if err != nil {
		h.logger.Error("get stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve stats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return DefaultListLimit
	}
	if n > MaxListLimit {
		return MaxListLimit
	}
	return n
}
