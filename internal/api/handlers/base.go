// Package handlers implements the management API endpoints.
package handlers

import (
	"log/slog"

	"github.com/sharpeye/fastproxy/internal/config"
	"github.com/sharpeye/fastproxy/internal/history"
	"github.com/sharpeye/fastproxy/internal/proxy"
	"github.com/sharpeye/fastproxy/internal/stats"
)

// Handler bundles the read-only dependencies the endpoints serve from.
type Handler struct {
	cfg      *config.Config
	logger   *slog.Logger
	proxy    *proxy.Proxy
	registry *stats.Registry
	history  *history.Store // nil when disabled
}

// New creates the handler set. hist may be nil when history is disabled.
func New(cfg *config.Config, logger *slog.Logger, p *proxy.Proxy,
	reg *stats.Registry, hist *history.Store) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		proxy:    p,
		registry: reg,
		history:  hist,
	}
}
