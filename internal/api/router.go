// Package api is the HTTP intake and status boundary.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orrn/printbot/internal/api/handlers"
	"github.com/orrn/printbot/internal/api/middleware"
)

type RouterConfig struct {
	Auth     *middleware.Auth
	Jobs     *handlers.JobHandler
	Printers *handlers.PrinterHandler
	Events   *handlers.EventHub
	Webhooks *handlers.WebhookHandler
	Logger   *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Recovery(logger),
		middleware.AccessLog(logger),
	)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", cfg.Auth.TokenHandler)

	protected := v1.Group("")
	protected.Use(cfg.Auth.RequireAuth())
	cfg.Jobs.RegisterRoutes(protected)
	if cfg.Printers != nil {
		cfg.Printers.RegisterRoutes(protected)
	}
	if cfg.Events != nil {
		cfg.Events.RegisterRoutes(protected)
	}
	if cfg.Webhooks != nil {
		cfg.Webhooks.RegisterRoutes(protected)
	}

	return router
}
