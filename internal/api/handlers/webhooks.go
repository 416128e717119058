package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printbot/internal/webhook"
)

// WebhookHandler exposes the configured webhook subscribers. Endpoints come
// from the config file; the API only lists and tests them.
type WebhookHandler struct {
	sender *webhook.Sender
}

type WebhookResponse struct {
	Index     int      `json:"index"`
	URL       string   `json:"url"`
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

type TestWebhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func NewWebhookHandler(sender *webhook.Sender) *WebhookHandler {
	return &WebhookHandler{sender: sender}
}

func (h *WebhookHandler) ListWebhooks(c *gin.Context) {
	endpoints := h.sender.Endpoints()
	responses := make([]WebhookResponse, 0, len(endpoints))
	for i, ep := range endpoints {
		events := ep.Events
		if events == nil {
			events = []string{}
		}
		responses = append(responses, WebhookResponse{
			Index:     i,
			URL:       ep.URL,
			Events:    events,
			HasSecret: ep.Secret != "",
		})
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": responses})
}

// TestWebhook delivers one synthetic event. Delivery failures are reported in
// the body with a 200, as the request itself succeeded.
func (h *WebhookHandler) TestWebhook(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook index"})
		return
	}

	err = h.sender.Test(c.Request.Context(), index)
	switch {
	case errors.Is(err, webhook.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
	case err != nil:
		c.JSON(http.StatusOK, TestWebhookResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to send webhook: %v", err),
		})
	default:
		c.JSON(http.StatusOK, TestWebhookResponse{Success: true, Message: "Webhook test successful"})
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks", h.ListWebhooks)
	r.POST("/webhooks/:index/test", h.TestWebhook)
}
