package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caredock/caresync/internal/sync/status"
)

// StatusHandler serves the aggregated sync health report.
type StatusHandler struct {
	aggregator *status.Aggregator
}

// NewStatusHandler creates a handler over the status aggregator.
func NewStatusHandler(aggregator *status.Aggregator) *StatusHandler {
	return &StatusHandler{aggregator: aggregator}
}

// Status handles GET /v1/sync/status.
func (h *StatusHandler) Status(c *gin.Context) {
	report, err := h.aggregator.Report(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
