// Package resolver turns host names into IPv4 addresses for outbound
// connects.
//
// Two interchangeable backends implement the lookup:
//
//   - stub: multiplexes every query over one UDP socket pointed at a
//     configured name server, matching responses to queries by message id
//     and retransmitting on a coarse schedule.
//   - full: per-query exchanges that own their sockets, with per-upstream
//     retries and TCP fallback when a response comes back truncated.
//
// Lookup deadlines are the caller's concern: sessions arm their resolve
// timeout on the context. Backends only pace their own retransmissions.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Typed resolution failures. The session picks an error page class from
// these.
var (
	// ErrNXDomain reports that the name does not exist.
	ErrNXDomain = errors.New("no such domain")
	// ErrNoAddresses reports a well-formed response carrying no A records.
	ErrNoAddresses = errors.New("no addresses in response")
	// ErrCancelled reports a lookup abandoned before completion.
	ErrCancelled = errors.New("lookup cancelled")
	// ErrExhausted reports that every attempt against every server failed.
	ErrExhausted = errors.New("all name servers failed")
)

// RcodeError wraps a non-success DNS response code other than NXDOMAIN.
type RcodeError struct {
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("dns rcode %s", dns.RcodeToString[e.Rcode])
}

// backend is the lookup strategy contract shared by both implementations.
type backend interface {
	// Lookup resolves the A records of host. It returns at most once per
	// call, even when cancellation races completion.
	Lookup(ctx context.Context, host string) ([]netip.Addr, error)
	Close() error
}

// Options configures a Resolver.
type Options struct {
	// Backend selects the strategy: "stub" or "full".
	Backend string
	// NameServer is the host:port the stub backend queries.
	NameServer string
	// LocalAddr optionally binds the stub backend's UDP socket
	// (host:port; zero port lets the kernel choose).
	LocalAddr string
	// Upstreams are the servers the full backend exchanges with.
	Upstreams []string
	Logger    *slog.Logger
}

// Resolver resolves host names through the configured backend.
// Safe for concurrent use; lookups complete in backend order, not
// submission order.
type Resolver struct {
	backend backend
	log     *slog.Logger
}

// New builds a resolver for the selected backend. The stub backend binds
// its UDP socket here so configuration failures surface before the proxy
// starts accepting.
func New(opts Options) (*Resolver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		b   backend
		err error
	)
	switch opts.Backend {
	case "stub":
		b, err = newStubBackend(opts.NameServer, opts.LocalAddr, logger)
	case "full":
		b, err = newFullBackend(opts.Upstreams, logger)
	default:
		err = fmt.Errorf("unknown resolver backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	return &Resolver{backend: b, log: logger}, nil
}

// Start launches backend service goroutines (the stub demux loop). It
// returns immediately; the backend stops when ctx is cancelled.
func (r *Resolver) Start(ctx context.Context) {
	if s, ok := r.backend.(interface{ start(context.Context) }); ok {
		s.start(ctx)
	}
}

// Resolve looks up the IPv4 addresses of host. Cancelling ctx cancels the
// lookup; the error is then cancellation-class.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	start := time.Now()
	addrs, err := r.backend.Lookup(ctx, host)
	if err != nil {
		r.log.Debug("resolve failed", "host", host, "elapsed", time.Since(start), "error", err)
		return nil, err
	}
	r.log.Debug("resolved", "host", host, "addresses", len(addrs), "elapsed", time.Since(start))
	return addrs, nil
}

// Close releases backend resources.
func (r *Resolver) Close() error {
	return r.backend.Close()
}

// normalizeResponse converts a DNS response into the resolver's completion
// contract: success requires rcode 0 and at least one A record; rcode 0
// with no data is cancellation-class (ErrCancelled wrapping ErrNoAddresses);
// NXDOMAIN and other rcodes map to typed errors.
func normalizeResponse(msg *dns.Msg) ([]netip.Addr, error) {
	switch msg.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, ErrNXDomain
	default:
		return nil, &RcodeError{Rcode: msg.Rcode}
	}

	addrs := make([]netip.Addr, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
			addrs = append(addrs, ip)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ErrNoAddresses)
	}
	return addrs, nil
}

// newQuery builds the A-record question for host.
func newQuery(host string) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true
	return msg
}
