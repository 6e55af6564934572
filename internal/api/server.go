// Package api provides the REST management API for fastproxy.
// It exposes endpoints for health checks, statistics, the live session
// registry, session history and the running configuration via a Gin-based
// HTTP server.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sharpeye/fastproxy/internal/api/handlers"
	"github.com/sharpeye/fastproxy/internal/api/middleware"
	"github.com/sharpeye/fastproxy/internal/config"
	"github.com/sharpeye/fastproxy/internal/history"
	"github.com/sharpeye/fastproxy/internal/logging"
	"github.com/sharpeye/fastproxy/internal/proxy"
	"github.com/sharpeye/fastproxy/internal/stats"
)

// Server is the management REST API server.
//
// Security note: do not expose the API to untrusted networks without an
// API key configured.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the API server around the proxy's read-only surfaces.
func New(cfg *config.Config, logger *slog.Logger, p *proxy.Proxy,
	reg *stats.Registry, hist *history.Store) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}
	logger = logging.ForChannel(logger, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, logger, p, reg, hist)
	RegisterRoutes(engine, h, cfg, logger)

	addr := net.JoinHostPort(cfg.Admin.Host, strconv.Itoa(cfg.Admin.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

// Engine returns the underlying gin engine (used by tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
