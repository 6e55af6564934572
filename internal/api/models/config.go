package models

// ConfigResponse is the redacted configuration view. Secrets (the API key)
// are never echoed back.
type ConfigResponse struct {
	Listen         []string `json:"listen"`
	OutboundHTTP   string   `json:"outbound_http,omitempty"`
	ReceiveTimeout string   `json:"receive_timeout"`
	ConnectTimeout string   `json:"connect_timeout"`
	ResolveTimeout string   `json:"resolve_timeout"`

	ResolverBackend string   `json:"resolver_backend"`
	NameServer      string   `json:"name_server,omitempty"`
	Upstreams       []string `json:"upstreams,omitempty"`

	AllowedHeaders []string `json:"allowed_headers"`
	RenameRules    []string `json:"rename_rules"`

	ErrorPagesDir  string `json:"error_pages_dir"`
	StatsSocket    string `json:"stats_socket,omitempty"`
	HistoryEnabled bool   `json:"history_enabled"`
}
