//go:build linux

package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sharpeye/fastproxy/internal/pool"
	"github.com/sharpeye/fastproxy/internal/splice"
)

// Session outcome classes, recorded in counters and history.
const (
	outcomeOK           = "ok"
	outcomeClientError  = "client_error"
	outcomeResolveError = "resolve_error"
	outcomeConnectError = "connect_error"
	outcomeRelayError   = "relay_error"
	outcomeIdleTimeout  = "idle_timeout"
	outcomeCancelled    = "cancelled"
)

// headBufPool recycles request-head parse buffers across sessions.
var headBufPool = pool.New(func() *[]byte {
	buf := make([]byte, maxHeadSize)
	return &buf
})

// channelResult is one channel's completion, tagged with its direction.
type channelResult struct {
	response bool
	err      error
}

// Session drives one inbound connection: parse the request head, resolve
// the origin, connect, forward the sieved head, then relay bytes through a
// channel pair until both finish.
//
// A session owns its two sockets and its two channels. All state below is
// touched only by the session goroutine; the channel pointers are
// additionally read by the stats dump under mu.
type Session struct {
	id    uint64
	proxy *Proxy
	log   *slog.Logger

	inbound    *net.TCPConn
	outbound   *net.TCPConn
	clientAddr string

	mu     sync.Mutex
	reqCh  *splice.Channel
	respCh *splice.Channel

	opened  int32 // guarded by mu; readable via OpenedChannels
	started time.Time

	host   string
	port   uint16
	target string

	outcome string
	failure error
}

func newSession(p *Proxy, conn *net.TCPConn) *Session {
	id := p.nextID.Add(1)
	return &Session{
		id:         id,
		proxy:      p,
		log:        p.sessionLog.With("session_id", id),
		inbound:    conn,
		clientAddr: conn.RemoteAddr().String(),
		started:    time.Now(),
		outcome:    outcomeOK,
	}
}

// ID returns the session's unique id.
func (s *Session) ID() uint64 {
	return s.id
}

// OpenedChannels returns how many of the session's channels are still
// running.
func (s *Session) OpenedChannels() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// ChannelStates returns the request and response channel states for dumps.
func (s *Session) ChannelStates() (req, resp splice.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, resp = splice.StateCreated, splice.StateCreated
	if s.reqCh != nil {
		req = s.reqCh.State()
	}
	if s.respCh != nil {
		resp = s.respCh.State()
	}
	return req, resp
}

func (s *Session) run(ctx context.Context) {
	defer s.teardown()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// External cancellation must unblock the head read and connect.
	poison := context.AfterFunc(ctx, func() {
		_ = s.inbound.SetDeadline(time.Unix(0, 0))
	})
	defer poison()

	s.log.Debug("session accepted", "client", s.clientAddr)

	head, residual, buf, err := s.readHead(ctx)
	if err != nil {
		s.failEarly(ctx, err)
		return
	}
	defer headBufPool.Put(buf)

	s.host = head.host
	s.port = head.port
	s.target = head.originTarget
	s.log.Debug("request parsed",
		"method", head.method, "host", s.host, "port", s.port, "target", s.target)

	addrs, err := s.resolve(ctx)
	if err != nil {
		return
	}

	if err := s.connect(ctx, addrs); err != nil {
		return
	}

	if err := s.forwardHead(head, residual); err != nil {
		s.fail(outcomeRelayError, err)
		return
	}

	s.relay(ctx, cancel)
}

// readHead accumulates bytes from the client until the CRLFCRLF terminator
// and parses the request head. Bytes read past the terminator are returned
// as residual body input to forward before the request channel starts.
func (s *Session) readHead(ctx context.Context) (*requestHead, []byte, *[]byte, error) {
	buf := headBufPool.Get()
	total := 0

	if err := s.inbound.SetReadDeadline(time.Now().Add(s.proxy.timeouts.Receive)); err != nil {
		headBufPool.Put(buf)
		return nil, nil, nil, err
	}

	for {
		if total == len(*buf) {
			headBufPool.Put(buf)
			return nil, nil, nil, errHeadTooLarge
		}
		n, err := s.inbound.Read((*buf)[total:])
		if err != nil {
			headBufPool.Put(buf)
			if ctx.Err() != nil {
				return nil, nil, nil, ctx.Err()
			}
			return nil, nil, nil, err
		}
		total += n

		if end := bytes.Index((*buf)[:total], []byte("\r\n\r\n")); end >= 0 {
			head, perr := parseRequestHead((*buf)[:end+4])
			if perr != nil {
				headBufPool.Put(buf)
				return nil, nil, nil, perr
			}
			_ = s.inbound.SetReadDeadline(time.Time{})
			return head, (*buf)[end+4 : total], buf, nil
		}
	}
}

// resolve asks the resolver for the origin's addresses under the
// session-enforced resolve timeout.
func (s *Session) resolve(ctx context.Context) ([]netip.Addr, error) {
	rctx, cancel := context.WithTimeout(ctx, s.proxy.timeouts.Resolve)
	defer cancel()

	addrs, err := s.proxy.resolver.Resolve(rctx, s.host)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.fail(outcomeCancelled, err)
		case errors.Is(rctx.Err(), context.DeadlineExceeded):
			s.fail(outcomeResolveError, err)
			s.emitErrorPage(504)
		default:
			s.fail(outcomeResolveError, err)
			s.emitErrorPage(502)
		}
		return nil, err
	}
	return addrs, nil
}

// connect dials the origin, walking the address list with the per-address
// connect timeout, bound to the configured outbound endpoint.
func (s *Session) connect(ctx context.Context, addrs []netip.Addr) error {
	var lastErr error
	for _, addr := range addrs {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		dialer := net.Dialer{Timeout: s.proxy.timeouts.Connect}
		if s.proxy.outboundTCP != nil {
			dialer.LocalAddr = s.proxy.outboundTCP
		}
		target := net.JoinHostPort(addr.String(), strconv.Itoa(int(s.port)))

		conn, err := dialer.DialContext(ctx, "tcp4", target)
		if err != nil {
			lastErr = err
			s.log.Debug("connect attempt failed", "address", target, "error", err)
			continue
		}

		s.outbound = conn.(*net.TCPConn)
		s.log.Debug("connected", "address", target)
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("no usable addresses")
	}
	if ctx.Err() != nil {
		s.fail(outcomeCancelled, lastErr)
	} else {
		s.fail(outcomeConnectError, fmt.Errorf("all addresses failed: %w", lastErr))
		s.emitErrorPage(502)
	}
	return lastErr
}

// forwardHead writes the rewritten request line, the sieved headers and any
// residual body bytes to the origin.
func (s *Session) forwardHead(head *requestHead, residual []byte) error {
	if err := s.outbound.SetWriteDeadline(time.Now().Add(s.proxy.timeouts.Receive)); err != nil {
		return err
	}

	if _, err := s.outbound.Write(head.originHead(s.proxy.sieve)); err != nil {
		return fmt.Errorf("forward head: %w", err)
	}
	if len(residual) > 0 {
		if _, err := s.outbound.Write(residual); err != nil {
			return fmt.Errorf("forward residual body: %w", err)
		}
	}
	return s.outbound.SetWriteDeadline(time.Time{})
}

// relay runs the channel pair until both complete. A channel erroring out
// tears the sibling down; a clean EOF half-closes the opposite socket so
// the peer observes it.
func (s *Session) relay(ctx context.Context, cancel context.CancelFunc) {
	done := make(chan channelResult, 2)
	recv := s.proxy.timeouts.Receive

	reqCh, err := splice.New(s.inbound, s.outbound, recv,
		func(err error) { done <- channelResult{response: false, err: err} }, s.log)
	if err != nil {
		s.fail(outcomeRelayError, err)
		return
	}
	respCh, err := splice.New(s.outbound, s.inbound, recv,
		func(err error) { done <- channelResult{response: true, err: err} }, s.log)
	if err != nil {
		reqCh.Abort(err)
		<-done
		s.fail(outcomeRelayError, err)
		return
	}

	reqCh.OnFirstInput = func() {
		s.proxy.stats.Increment("first_input")
		s.proxy.stats.Add("first_input_us", uint64(time.Since(s.started).Microseconds()))
	}

	s.mu.Lock()
	s.reqCh = reqCh
	s.respCh = respCh
	s.opened = 2
	s.mu.Unlock()

	reqCh.Start(ctx)
	respCh.Start(ctx)

	for range 2 {
		res := <-done

		s.mu.Lock()
		s.opened--
		s.mu.Unlock()

		if res.err != nil {
			s.recordChannelError(ctx, res.err)
			// Tear the sibling down; half a proxy session is useless.
			cancel()
			continue
		}

		// Clean EOF: propagate the half-close downstream.
		if res.response {
			_ = s.inbound.CloseWrite()
		} else {
			_ = s.outbound.CloseWrite()
		}
	}

	s.proxy.stats.Add("bytes_in", uint64(reqCh.Bytes()))
	s.proxy.stats.Add("bytes_out", uint64(respCh.Bytes()))
}

// recordChannelError classifies the first relay failure. Cancellation of
// the sibling after a first error is not re-reported.
func (s *Session) recordChannelError(ctx context.Context, err error) {
	if s.failure != nil {
		return
	}
	switch {
	case errors.Is(err, splice.ErrIdleTimeout):
		s.fail(outcomeIdleTimeout, err)
	case ctx.Err() != nil:
		s.fail(outcomeCancelled, err)
	default:
		s.fail(outcomeRelayError, err)
	}
}

// failEarly classifies a head-read failure. Protocol violations earn a
// canned 400; a peer that vanished gets nothing.
func (s *Session) failEarly(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		s.fail(outcomeCancelled, err)
	case errors.Is(err, errHeadTooLarge),
		errors.Is(err, errMalformedHead),
		errors.Is(err, errMissingHost):
		s.fail(outcomeClientError, err)
		s.emitErrorPage(400)
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.fail(outcomeIdleTimeout, err)
	default:
		s.fail(outcomeClientError, err)
	}
}

func (s *Session) fail(outcome string, err error) {
	if s.failure == nil {
		s.outcome = outcome
		s.failure = err
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debug("session failed", "outcome", outcome, "error", err)
	}
}

// emitErrorPage writes the canned response for code, but only while the
// response direction has not yet produced bytes. Missing pages fall back to
// an abrupt close.
func (s *Session) emitErrorPage(code int) {
	if s.responseStarted() {
		return
	}
	page := s.proxy.pages.Page(code)
	if len(page) == 0 {
		return
	}
	_ = s.inbound.SetWriteDeadline(time.Now().Add(errorPageWriteTimeout))
	if _, err := s.inbound.Write(page); err != nil {
		s.log.Debug("error page write failed", "status", code, "error", err)
		return
	}
	s.proxy.stats.Increment("error_pages")
}

// errorPageWriteTimeout bounds the canned-response write to a client that
// has stopped reading.
const errorPageWriteTimeout = 5 * time.Second

func (s *Session) responseStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respCh != nil && s.respCh.Bytes() > 0
}

// teardown closes both sockets and removes the session from the registry.
func (s *Session) teardown() {
	if s.outbound != nil {
		_ = s.outbound.Close()
	}
	_ = s.inbound.Close()
	s.proxy.finishSession(s)
}
