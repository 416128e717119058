package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbot/internal/dispatch"
)

type PrintersResponse struct {
	Printers   []string   `json:"printers"`
	Configured string     `json:"configured"`
	CheckedAt  *time.Time `json:"checked_at,omitempty"`
}

type PrinterHandler struct {
	monitor    *dispatch.PrinterMonitor
	configured string
}

func NewPrinterHandler(monitor *dispatch.PrinterMonitor, configured string) *PrinterHandler {
	return &PrinterHandler{monitor: monitor, configured: configured}
}

// ListPrinters serves the cached detection result; ?refresh=true detects
// again first.
func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	if c.Query("refresh") == "true" {
		h.monitor.Refresh(c.Request.Context())
	}

	names, checked := h.monitor.Printers()
	if names == nil {
		names = []string{}
	}
	resp := PrintersResponse{Printers: names, Configured: h.configured}
	if !checked.IsZero() {
		resp.CheckedAt = &checked
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
}
