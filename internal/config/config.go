// Package config provides configuration loading and validation for fastproxy.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/fastproxy/main.go)
//  2. Environment variables (FASTPROXY_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// All configuration is validated during Load() to ensure failures surface
// before any socket is bound.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding
	// Uses FASTPROXY_ prefix: FASTPROXY_PROXY_LISTEN -> proxy.listen
	v.SetEnvPrefix("FASTPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
// Timeout defaults follow the original daemon: receive 1h, connect 3s, resolve 3s.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.listen", []string{"0.0.0.0:3128"})
	v.SetDefault("proxy.outbound_http", "")
	v.SetDefault("proxy.receive_timeout", "3600s")
	v.SetDefault("proxy.connect_timeout", "3s")
	v.SetDefault("proxy.resolve_timeout", "3s")

	v.SetDefault("resolver.backend", string(BackendFull))
	v.SetDefault("resolver.name_server", "")
	v.SetDefault("resolver.outbound_ns", "")
	v.SetDefault("resolver.upstreams", []string{"8.8.8.8:53"})

	v.SetDefault("headers.allow", []string{})
	v.SetDefault("headers.rename", []string{})

	v.SetDefault("error_pages.dir", "/etc/fastproxy/errors")

	v.SetDefault("stats.socket", "")

	// Management API defaults
	// Default to disabled and bound to localhost for safety.
	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8080)
	v.SetDefault("admin.api_key", "")
	v.SetDefault("admin.dashboard_dir", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "fastproxy-history.db")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.channels", []string{})
	v.SetDefault("logging.extra_fields", map[string]string{})
}

// Load reads configuration from the optional file path plus environment,
// then normalizes and validates it.
func Load(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadProxyConfig(v, cfg)
	loadResolverConfig(v, cfg)
	loadHeadersConfig(v, cfg)
	loadMiscConfig(v, cfg)
	loadLoggingConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadProxyConfig(v *viper.Viper, cfg *Config) {
	cfg.Proxy.Listen = getStringSliceOrSplit(v, "proxy.listen")
	cfg.Proxy.OutboundHTTP = v.GetString("proxy.outbound_http")
	cfg.Proxy.ReceiveTimeout = v.GetString("proxy.receive_timeout")
	cfg.Proxy.ConnectTimeout = v.GetString("proxy.connect_timeout")
	cfg.Proxy.ResolveTimeout = v.GetString("proxy.resolve_timeout")
}

func loadResolverConfig(v *viper.Viper, cfg *Config) {
	cfg.Resolver.Backend = ResolverBackend(strings.ToLower(v.GetString("resolver.backend")))
	cfg.Resolver.NameServer = v.GetString("resolver.name_server")
	cfg.Resolver.OutboundNS = v.GetString("resolver.outbound_ns")
	cfg.Resolver.Upstreams = getStringSliceOrSplit(v, "resolver.upstreams")
}

func loadHeadersConfig(v *viper.Viper, cfg *Config) {
	cfg.Headers.Allow = getStringSliceOrSplit(v, "headers.allow")
	cfg.Headers.Rename = getStringSliceOrSplit(v, "headers.rename")
}

func loadMiscConfig(v *viper.Viper, cfg *Config) {
	cfg.ErrorPages.Dir = v.GetString("error_pages.dir")
	cfg.Stats.Socket = v.GetString("stats.socket")

	cfg.Admin.Enabled = v.GetBool("admin.enabled")
	cfg.Admin.Host = v.GetString("admin.host")
	cfg.Admin.Port = v.GetInt("admin.port")
	cfg.Admin.APIKey = v.GetString("admin.api_key")
	cfg.Admin.DashboardDir = v.GetString("admin.dashboard_dir")

	cfg.History.Enabled = v.GetBool("history.enabled")
	cfg.History.Path = v.GetString("history.path")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.Channels = getStringSliceOrSplit(v, "logging.channels")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

// getStringSliceOrSplit reads a slice key, also accepting a comma-separated
// string (the form environment variables arrive in).
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	vals := v.GetStringSlice(key)
	if len(vals) == 1 && strings.Contains(vals[0], ",") {
		vals = strings.Split(vals[0], ",")
	}
	out := make([]string, 0, len(vals))
	for _, s := range vals {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// normalizeConfig parses timeouts, fills derived fields and validates.
func normalizeConfig(cfg *Config) error {
	if len(cfg.Proxy.Listen) == 0 {
		return fmt.Errorf("proxy.listen: at least one inbound endpoint is required")
	}
	for _, ep := range cfg.Proxy.Listen {
		if _, _, err := net.SplitHostPort(ep); err != nil {
			return fmt.Errorf("proxy.listen: invalid endpoint %q: %w", ep, err)
		}
	}
	if cfg.Proxy.OutboundHTTP != "" {
		if _, _, err := net.SplitHostPort(cfg.Proxy.OutboundHTTP); err != nil {
			return fmt.Errorf("proxy.outbound_http: invalid endpoint %q: %w", cfg.Proxy.OutboundHTTP, err)
		}
	}

	var err error
	if cfg.Timeouts.Receive, err = parseTimeout("proxy.receive_timeout", cfg.Proxy.ReceiveTimeout); err != nil {
		return err
	}
	if cfg.Timeouts.Connect, err = parseTimeout("proxy.connect_timeout", cfg.Proxy.ConnectTimeout); err != nil {
		return err
	}
	if cfg.Timeouts.Resolve, err = parseTimeout("proxy.resolve_timeout", cfg.Proxy.ResolveTimeout); err != nil {
		return err
	}

	switch cfg.Resolver.Backend {
	case BackendStub:
		if cfg.Resolver.NameServer == "" {
			return fmt.Errorf("resolver.name_server: required for the %q backend", BackendStub)
		}
	case BackendFull:
		if len(cfg.Resolver.Upstreams) == 0 {
			return fmt.Errorf("resolver.upstreams: required for the %q backend", BackendFull)
		}
	default:
		return fmt.Errorf("resolver.backend: unknown backend %q (want %q or %q)",
			cfg.Resolver.Backend, BackendStub, BackendFull)
	}
	if cfg.Resolver.NameServer != "" {
		if _, _, err := net.SplitHostPort(cfg.Resolver.NameServer); err != nil {
			return fmt.Errorf("resolver.name_server: invalid endpoint %q: %w", cfg.Resolver.NameServer, err)
		}
	}

	for _, rule := range cfg.Headers.Rename {
		parts := strings.Split(rule, ":")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("headers.rename: invalid rule %q (want \"Original:Replacement\")", rule)
		}
	}

	if cfg.Admin.Enabled {
		if cfg.Admin.Port < 1 || cfg.Admin.Port > 65535 {
			return fmt.Errorf("admin.port: %d out of range", cfg.Admin.Port)
		}
	}

	return nil
}

func parseTimeout(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %q", key, raw)
	}
	return d, nil
}
