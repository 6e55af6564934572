package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sharpeye/fastproxy/internal/api/models"
	"github.com/sharpeye/fastproxy/internal/helpers"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// Sessions returns the live session registry, ordered by session id.
func (h *Handler) Sessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.proxy.Sessions())
}

// History returns recently finished sessions, newest first. Accepts
// ?limit=N up to the maximum.
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "history is disabled"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = helpers.ClampInt(n, 1, maxHistoryLimit)
	}

	recs, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("history query failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "history query failed"})
		return
	}
	c.JSON(http.StatusOK, recs)
}

// GetConfig returns the redacted running configuration.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := h.cfg
	c.JSON(http.StatusOK, models.ConfigResponse{
		Listen:          cfg.Proxy.Listen,
		OutboundHTTP:    cfg.Proxy.OutboundHTTP,
		ReceiveTimeout:  cfg.Proxy.ReceiveTimeout,
		ConnectTimeout:  cfg.Proxy.ConnectTimeout,
		ResolveTimeout:  cfg.Proxy.ResolveTimeout,
		ResolverBackend: string(cfg.Resolver.Backend),
		NameServer:      cfg.Resolver.NameServer,
		Upstreams:       cfg.Resolver.Upstreams,
		AllowedHeaders:  cfg.Headers.Allow,
		RenameRules:     cfg.Headers.Rename,
		ErrorPagesDir:   cfg.ErrorPages.Dir,
		StatsSocket:     cfg.Stats.Socket,
		HistoryEnabled:  cfg.History.Enabled,
	})
}
