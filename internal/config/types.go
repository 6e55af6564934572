// Package config provides configuration loading for fastproxy using Viper.
// Configuration is loaded from YAML files with automatic environment variable
// binding.
//
// Environment variables use the FASTPROXY_ prefix and underscore-separated keys:
//   - FASTPROXY_PROXY_LISTEN -> proxy.listen (comma-separated)
//   - FASTPROXY_RESOLVER_BACKEND -> resolver.backend
//   - FASTPROXY_STATS_SOCKET -> stats.socket
package config

import "time"

// ResolverBackend selects the DNS backend implementation.
type ResolverBackend string

const (
	// BackendStub multiplexes all queries over one UDP socket pointed at a
	// configured name server.
	BackendStub ResolverBackend = "stub"
	// BackendFull performs per-query exchanges with retries and TCP
	// fallback, owning its sockets internally.
	BackendFull ResolverBackend = "full"
)

// ProxyConfig contains the forwarding core settings.
type ProxyConfig struct {
	// Listen is the list of inbound host:port endpoints accepting HTTP.
	Listen []string `yaml:"listen" mapstructure:"listen"`
	// OutboundHTTP is the local endpoint outbound origin connections bind
	// to. Empty, or a zero address/port, lets the kernel choose.
	OutboundHTTP   string `yaml:"outbound_http"   mapstructure:"outbound_http"`
	ReceiveTimeout string `yaml:"receive_timeout" mapstructure:"receive_timeout"` // idle-read timeout per channel (e.g. "1h")
	ConnectTimeout string `yaml:"connect_timeout" mapstructure:"connect_timeout"` // per outbound address attempt (e.g. "3s")
	ResolveTimeout string `yaml:"resolve_timeout" mapstructure:"resolve_timeout"` // per session, enforced by the session (e.g. "3s")
}

// TimeoutConfig holds the parsed timeout values.
// Populated during Load from the raw ProxyConfig strings.
type TimeoutConfig struct {
	Receive time.Duration
	Connect time.Duration
	Resolve time.Duration
}

// ResolverConfig contains DNS resolution settings.
type ResolverConfig struct {
	Backend    ResolverBackend `yaml:"backend"     mapstructure:"backend"`
	NameServer string          `yaml:"name_server" mapstructure:"name_server"` // required for the stub backend
	// OutboundNS is the local endpoint the stub backend's UDP socket binds
	// to. Empty lets the kernel choose.
	OutboundNS string `yaml:"outbound_ns" mapstructure:"outbound_ns"`
	// Upstreams are the servers the full backend exchanges with.
	Upstreams []string `yaml:"upstreams" mapstructure:"upstreams"`
}

// HeadersConfig contains the request-header sieve rules.
type HeadersConfig struct {
	// Allow lists header names forwarded unchanged.
	Allow []string `yaml:"allow" mapstructure:"allow"`
	// Rename lists "Original:Replacement" rules. A renamed header is
	// implicitly allowed.
	Rename []string `yaml:"rename" mapstructure:"rename"`
}

// ErrorPagesConfig locates the canned error responses.
type ErrorPagesConfig struct {
	// Dir holds files named "<status>.http" containing the raw response
	// bytes. Missing files disable the canned response for that status.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// StatsConfig contains the statistics socket settings.
type StatsConfig struct {
	// Socket is the unix-domain stream socket path for state dumps.
	// Empty disables the socket.
	Socket string `yaml:"socket" mapstructure:"socket"`
}

// AdminConfig contains management REST API settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
	// DashboardDir optionally serves a static dashboard at /.
	DashboardDir string `yaml:"dashboard_dir" mapstructure:"dashboard_dir"`
}

// HistoryConfig contains the session history store settings.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path"    mapstructure:"path"` // SQLite database file
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	Channels         []string          `yaml:"channels"          mapstructure:"channels"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// Config is the root configuration.
type Config struct {
	Proxy      ProxyConfig      `yaml:"proxy"       mapstructure:"proxy"`
	Timeouts   TimeoutConfig    `yaml:"-"           mapstructure:"-"`
	Resolver   ResolverConfig   `yaml:"resolver"    mapstructure:"resolver"`
	Headers    HeadersConfig    `yaml:"headers"     mapstructure:"headers"`
	ErrorPages ErrorPagesConfig `yaml:"error_pages" mapstructure:"error_pages"`
	Stats      StatsConfig      `yaml:"stats"       mapstructure:"stats"`
	Admin      AdminConfig      `yaml:"admin"       mapstructure:"admin"`
	History    HistoryConfig    `yaml:"history"     mapstructure:"history"`
	Logging    LoggingConfig    `yaml:"logging"     mapstructure:"logging"`
}
