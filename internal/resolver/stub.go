package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Stub backend pacing. Retransmissions run on whole-second boundaries like
// classic stub resolvers; the user-visible deadline is the session's, not
// ours.
const (
	stubAttempts       = 4
	stubAttemptTimeout = 2 * time.Second
	stubReadBufferSize = 4096
)

// stubBackend multiplexes all lookups over a single UDP socket connected to
// one name server. One demux goroutine matches responses to pending queries
// by message id and question name; delivery removes the pending entry first,
// so each lookup completes exactly once even when cancellation races a
// response.
type stubBackend struct {
	conn *net.UDPConn
	log  *slog.Logger

	mu      sync.Mutex
	pending map[uint16]*stubQuery
	closed  bool
}

type stubQuery struct {
	qname string
	// ch is buffered; the demux loop never blocks on a slow waiter.
	ch chan *dns.Msg
}

func newStubBackend(nameServer, localAddr string, logger *slog.Logger) (*stubBackend, error) {
	if nameServer == "" {
		return nil, errors.New("stub backend requires a name server")
	}
	remote, err := net.ResolveUDPAddr("udp4", nameServer)
	if err != nil {
		return nil, fmt.Errorf("name server %q: %w", nameServer, err)
	}

	var local *net.UDPAddr
	if localAddr != "" {
		if local, err = net.ResolveUDPAddr("udp4", localAddr); err != nil {
			return nil, fmt.Errorf("local address %q: %w", localAddr, err)
		}
	}

	conn, err := net.DialUDP("udp4", local, remote)
	if err != nil {
		return nil, fmt.Errorf("dial name server: %w", err)
	}

	return &stubBackend{
		conn:    conn,
		log:     logger,
		pending: make(map[uint16]*stubQuery),
	}, nil
}

// start launches the demux loop. The loop drains every ready response
// before blocking again, so no completed query waits behind a quiet socket.
func (b *stubBackend) start(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = b.conn.Close()
	})
	go func() {
		defer stop()
		b.readLoop()
	}()
}

func (b *stubBackend) readLoop() {
	buf := make([]byte, stubReadBufferSize)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Debug("stub read error", "error", err)
			continue
		}

		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			b.log.Debug("stub unpack error", "error", err)
			continue
		}
		b.dispatch(msg)
	}
}

// dispatch hands a response to its waiting lookup, if any. Responses whose
// id or question no longer match a pending query are dropped (late
// retransmission answers, spoofing attempts on the connected socket).
func (b *stubBackend) dispatch(msg *dns.Msg) {
	if len(msg.Question) == 0 {
		return
	}

	b.mu.Lock()
	q, ok := b.pending[msg.Id]
	if ok && q.qname == msg.Question[0].Name {
		delete(b.pending, msg.Id)
	} else {
		ok = false
	}
	b.mu.Unlock()

	if ok {
		q.ch <- msg
	}
}

// Lookup sends the query and waits for its response, retransmitting on the
// stub schedule. Cancellation unregisters the query; a response racing the
// cancellation is dropped by dispatch, never delivered twice.
func (b *stubBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	msg := newQuery(host)

	id, q, err := b.register(msg)
	if err != nil {
		return nil, err
	}
	defer b.unregister(id)

	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query for %q: %w", host, err)
	}

	for attempt := 0; attempt < stubAttempts; attempt++ {
		if _, err := b.conn.Write(packed); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("send query: %w", err)
		}

		timer := time.NewTimer(stubAttemptTimeout)
		select {
		case resp := <-q.ch:
			timer.Stop()
			return normalizeResponse(resp)
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-timer.C:
			// retransmit
		}
	}

	return nil, ErrExhausted
}

// register inserts a pending query under a message id not currently in
// flight.
func (b *stubBackend) register(msg *dns.Msg) (uint16, *stubQuery, error) {
	q := &stubQuery{qname: msg.Question[0].Name, ch: make(chan *dns.Msg, 1)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, nil, ErrCancelled
	}
	for range 64 {
		id := dns.Id()
		if _, busy := b.pending[id]; busy {
			continue
		}
		msg.Id = id
		b.pending[id] = q
		return id, q, nil
	}
	return 0, nil, errors.New("no free query id")
}

func (b *stubBackend) unregister(id uint16) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *stubBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.conn.Close()
}
