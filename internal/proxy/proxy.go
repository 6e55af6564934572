//go:build linux

// Package proxy implements the forwarding core: the listener set, the
// session registry and the per-connection session state machine.
//
// Goroutine model: one accept loop per listener, one goroutine per session,
// and one pump goroutine per channel. Cross-session state (the registry and
// counters) is mutex- or atomic-guarded; everything else belongs to exactly
// one session.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharpeye/fastproxy/internal/config"
	"github.com/sharpeye/fastproxy/internal/headers"
	"github.com/sharpeye/fastproxy/internal/history"
	"github.com/sharpeye/fastproxy/internal/logging"
	"github.com/sharpeye/fastproxy/internal/resolver"
	"github.com/sharpeye/fastproxy/internal/splice"
	"github.com/sharpeye/fastproxy/internal/stats"
)

// shutdownGrace bounds how long Run waits for live sessions after the
// listeners close.
const shutdownGrace = 5 * time.Second

// historyWriteTimeout bounds the asynchronous history insert.
const historyWriteTimeout = 10 * time.Second

// Proxy owns the listeners, the resolver, the sieve, the error pages and
// the session registry.
type Proxy struct {
	cfg        *config.Config
	log        *slog.Logger
	sessionLog *slog.Logger

	resolver *resolver.Resolver
	sieve    *headers.Sieve
	pages    *ErrorPages
	stats    *stats.Registry
	history  *history.Store // nil when disabled

	timeouts    config.TimeoutConfig
	outboundTCP *net.TCPAddr

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session

	listeners []net.Listener
	acceptWG  sync.WaitGroup
	wg        sync.WaitGroup
}

// New assembles the proxy container. The resolver, sieve, pages and
// registry are shared read-only for the process lifetime; hist may be nil.
func New(cfg *config.Config, logger *slog.Logger, res *resolver.Resolver,
	sieve *headers.Sieve, pages *ErrorPages, reg *stats.Registry,
	hist *history.Store) (*Proxy, error) {

	var outbound *net.TCPAddr
	if cfg.Proxy.OutboundHTTP != "" {
		addr, err := net.ResolveTCPAddr("tcp4", cfg.Proxy.OutboundHTTP)
		if err != nil {
			return nil, fmt.Errorf("outbound endpoint %q: %w", cfg.Proxy.OutboundHTTP, err)
		}
		outbound = addr
	}

	return &Proxy{
		cfg:         cfg,
		log:         logging.ForChannel(logger, "proxy"),
		sessionLog:  logging.ForChannel(logger, "session"),
		resolver:    res,
		sieve:       sieve,
		pages:       pages,
		stats:       reg,
		history:     hist,
		timeouts:    cfg.Timeouts,
		outboundTCP: outbound,
		sessions:    make(map[uint64]*Session),
	}, nil
}

// Run binds every inbound endpoint, starts the resolver and accepts until
// ctx is cancelled. It returns a non-nil error only when startup fails;
// a signal-driven shutdown returns nil.
func (p *Proxy) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Shutdown()
	return nil
}

// Start binds the inbound endpoints, starts the resolver and begins
// accepting. It returns once every listener is bound.
func (p *Proxy) Start(ctx context.Context) error {
	for _, ep := range p.cfg.Proxy.Listen {
		ln, err := net.Listen("tcp", ep)
		if err != nil {
			for _, open := range p.listeners {
				_ = open.Close()
			}
			p.listeners = nil
			return fmt.Errorf("failed to bind %s: %w", ep, err)
		}
		p.listeners = append(p.listeners, ln)
		p.log.Info("listening", "endpoint", ln.Addr().String())
	}

	p.resolver.Start(ctx)

	for _, ln := range p.listeners {
		p.acceptWG.Add(1)
		go func(ln net.Listener) {
			defer p.acceptWG.Done()
			p.acceptLoop(ctx, ln)
		}(ln)
	}
	return nil
}

// Addrs returns the bound listener addresses.
func (p *Proxy) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(p.listeners))
	for _, ln := range p.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Shutdown closes the listeners and waits up to the grace period for live
// sessions to drain.
func (p *Proxy) Shutdown() {
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	p.acceptWG.Wait()

	p.log.Info("shutting down", "live_sessions", p.SessionCount())
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		p.log.Warn("shutdown grace expired", "live_sessions", p.SessionCount())
	}
}

// acceptLoop accepts on one listener, registering and starting a session
// per connection, then immediately re-arming the accept.
func (p *Proxy) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.log.Warn("accept failed", "endpoint", ln.Addr().String(), "error", err)
			continue
		}

		p.stats.Increment("accepts")
		s := newSession(p, conn.(*net.TCPConn))
		p.startSession(s)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			s.run(ctx)
		}()
	}
}

// startSession registers the session. Ids are unique by construction; a
// duplicate is an invariant violation and aborts the process.
func (p *Proxy) startSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.sessions[s.id]; dup {
		panic(fmt.Sprintf("duplicate session id %d", s.id))
	}
	p.sessions[s.id] = s
	p.stats.Increment("sessions_started")
}

// finishSession removes exactly one registry entry and records the outcome.
// A session that is not registered is an invariant violation.
func (p *Proxy) finishSession(s *Session) {
	p.mu.Lock()
	if _, ok := p.sessions[s.id]; !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("session %d finished but not registered", s.id))
	}
	delete(p.sessions, s.id)
	p.mu.Unlock()

	p.stats.Increment("sessions_finished")
	p.stats.Increment("outcome_" + s.outcome)

	s.log.Info("session finished",
		"client", s.clientAddr,
		"host", s.host,
		"outcome", s.outcome,
		"duration", time.Since(s.started).Round(time.Millisecond))

	if p.history != nil {
		rec := history.Record{
			SessionID:  s.id,
			ClientAddr: s.clientAddr,
			Host:       s.host,
			Port:       s.port,
			Target:     s.target,
			Outcome:    s.outcome,
			BytesIn:    channelBytes(s.reqCh),
			BytesOut:   channelBytes(s.respCh),
			StartedAt:  s.started,
			Duration:   time.Since(s.started),
		}
		if s.failure != nil {
			rec.Detail = s.failure.Error()
		}
		go func() {
			hctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
			defer cancel()
			if err := p.history.Insert(hctx, rec); err != nil {
				p.log.Warn("history insert failed", "session_id", rec.SessionID, "error", err)
			}
		}()
	}
}

// OutboundEndpoint returns the local endpoint origin connections bind to,
// or nil when the kernel chooses.
func (p *Proxy) OutboundEndpoint() *net.TCPAddr {
	return p.outboundTCP
}

// Timeouts returns the shared timeout configuration.
func (p *Proxy) Timeouts() config.TimeoutConfig {
	return p.timeouts
}

// Sieve returns the request-header sieve.
func (p *Proxy) Sieve() *headers.Sieve {
	return p.sieve
}

// ErrorPage returns the canned response bytes for code, nil when absent.
func (p *Proxy) ErrorPage(code int) []byte {
	return p.pages.Page(code)
}

// SessionCount returns the number of live sessions.
func (p *Proxy) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// DumpSessions writes one line per live session, ordered by id:
// "<id> reqch: <state> rspch: <state> opened: <n>".
func (p *Proxy) DumpSessions(w io.Writer) error {
	for _, s := range p.liveSessions() {
		req, resp := s.ChannelStates()
		if _, err := fmt.Fprintf(w, "%d reqch: %s rspch: %s opened: %d\n",
			s.id, req, resp, s.OpenedChannels()); err != nil {
			return err
		}
	}
	return nil
}

// SessionInfo is a point-in-time view of one live session for the API.
type SessionInfo struct {
	ID           uint64    `json:"id"`
	ClientAddr   string    `json:"client_addr"`
	Host         string    `json:"host,omitempty"`
	RequestChan  string    `json:"request_channel"`
	ResponseChan string    `json:"response_channel"`
	Opened       int32     `json:"opened_channels"`
	StartedAt    time.Time `json:"started_at"`
}

// Sessions returns a snapshot of every live session, ordered by id.
func (p *Proxy) Sessions() []SessionInfo {
	live := p.liveSessions()
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		req, resp := s.ChannelStates()
		out = append(out, SessionInfo{
			ID:           s.id,
			ClientAddr:   s.clientAddr,
			Host:         s.host,
			RequestChan:  req.String(),
			ResponseChan: resp.String(),
			Opened:       s.OpenedChannels(),
			StartedAt:    s.started,
		})
	}
	return out
}

func (p *Proxy) liveSessions() []*Session {
	p.mu.Lock()
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	return live
}

func channelBytes(c *splice.Channel) int64 {
	if c == nil {
		return 0
	}
	return c.Bytes()
}
