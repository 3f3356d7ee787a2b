package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves reconciliation reports.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetReport)
}

// GetReport handles GET /reconciliation. The last report is returned; a
// run is made first when none exists yet or refresh=true is passed.
func (h *Handler) GetReport(c *gin.Context) {
	rep := h.service.Last()
	if rep == nil || c.Query("refresh") == "true" {
		var err error
		rep, err = h.service.Run(c.Request.Context())
		if err != nil {
			h.logger.Error("reconciliation failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "message": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
