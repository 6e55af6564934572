//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sharpeye/fastproxy/internal/api"
	"github.com/sharpeye/fastproxy/internal/config"
	"github.com/sharpeye/fastproxy/internal/headers"
	"github.com/sharpeye/fastproxy/internal/history"
	"github.com/sharpeye/fastproxy/internal/logging"
	"github.com/sharpeye/fastproxy/internal/proxy"
	"github.com/sharpeye/fastproxy/internal/resolver"
	"github.com/sharpeye/fastproxy/internal/stats"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath  string
	listen      string
	statsSocket string
	jsonLogs    bool
	debug       bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.listen, "listen", "", "Override inbound endpoints (comma-separated host:port)")
	flag.StringVar(&f.statsSocket, "stats-socket", "", "Override statistics socket path")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.listen != "" {
		var eps []string
		for _, ep := range strings.Split(f.listen, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				eps = append(eps, ep)
			}
		}
		cfg.Proxy.Listen = eps
	}
	if f.statsSocket != "" {
		cfg.Stats.Socket = f.statsSocket
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	instanceID := uuid.New().String()[:8]
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}
	cfg.Logging.ExtraFields["instance"] = instanceID

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		Channels:         cfg.Logging.Channels,
		ExtraFields:      cfg.Logging.ExtraFields,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	// Assemble the shared read-only pieces before binding anything, so a
	// bad configuration exits non-zero without ever accepting a client.
	res, err := resolver.New(resolver.Options{
		Backend:    string(cfg.Resolver.Backend),
		NameServer: cfg.Resolver.NameServer,
		LocalAddr:  cfg.Resolver.OutboundNS,
		Upstreams:  cfg.Resolver.Upstreams,
		Logger:     logging.ForChannel(logger, "resolver"),
	})
	if err != nil {
		return fmt.Errorf("failed to create resolver: %w", err)
	}
	defer res.Close()

	sieve, err := headers.New(cfg.Headers.Allow, cfg.Headers.Rename)
	if err != nil {
		return fmt.Errorf("failed to build header sieve: %w", err)
	}

	pages, err := proxy.LoadErrorPages(cfg.ErrorPages.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load error pages: %w", err)
	}

	registry := stats.NewRegistry(instanceID)

	var hist *history.Store
	if cfg.History.Enabled {
		if hist, err = history.Open(cfg.History.Path); err != nil {
			return fmt.Errorf("failed to open history store: %w", err)
		}
		defer hist.Close()
	}

	p, err := proxy.New(cfg, logger, res, sieve, pages, registry, hist)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}

	if cfg.Stats.Socket != "" {
		sock := &stats.SocketServer{
			Path:     cfg.Stats.Socket,
			Registry: registry,
			Dumper:   p,
			Logger:   logging.ForChannel(logger, "stats"),
		}
		go func() {
			if err := sock.Run(ctx); err != nil {
				logger.Error("stats socket failed", "error", err)
			}
		}()
	}

	var apiServer *api.Server
	if cfg.Admin.Enabled {
		apiServer = api.New(cfg, logger, p, registry, hist)
		go func() {
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("management api listening", "addr", apiServer.Addr())
	}

	logger.Info("fastproxy starting",
		"instance", instanceID,
		"endpoints", cfg.Proxy.Listen,
		"resolver", cfg.Resolver.Backend)

	err = p.Run(ctx)

	if apiServer != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = apiServer.Shutdown(sctx)
	}

	if err != nil {
		return err
	}
	logger.Info("fastproxy stopped")
	return nil
}
