package api

import (
	"log/slog"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"

	"github.com/sharpeye/fastproxy/internal/api/handlers"
	"github.com/sharpeye/fastproxy/internal/api/middleware"
	"github.com/sharpeye/fastproxy/internal/config"
)

// RegisterRoutes wires the API routes and the optional static dashboard.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config, logger *slog.Logger) {
	// Optional static dashboard served from disk.
	if cfg.Admin.DashboardDir != "" {
		r.Use(static.Serve("/", static.LocalFile(cfg.Admin.DashboardDir, true)))
	}

	api := r.Group("/api/v1")

	// Optional API key protection.
	if cfg.Admin.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.Admin.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/sessions", h.Sessions)
	api.GET("/history", h.History)
	api.GET("/config", h.GetConfig)
}
