package resolver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// Full backend configuration constants.
const (
	fullUDPTimeout = 3 * time.Second
	fullTCPTimeout = 5 * time.Second
	fullMaxRetries = 2 // per upstream, on timeout only
	fullEdnsSize   = 1232
)

// fullBackend performs one exchange per lookup, owning its sockets for the
// duration of the call. Truncated UDP responses are retried over TCP;
// timeouts are retried per upstream before failing over to the next one.
type fullBackend struct {
	upstreams []string
	log       *slog.Logger

	udpClient *dns.Client
	tcpClient *dns.Client
}

func newFullBackend(upstreams []string, logger *slog.Logger) (*fullBackend, error) {
	if len(upstreams) == 0 {
		return nil, errors.New("full backend requires at least one upstream")
	}
	normalized := make([]string, 0, len(upstreams))
	for _, up := range upstreams {
		if _, _, err := net.SplitHostPort(up); err != nil {
			up = net.JoinHostPort(up, "53")
		}
		normalized = append(normalized, up)
	}

	return &fullBackend{
		upstreams: normalized,
		log:       logger,
		udpClient: &dns.Client{Net: "udp", Timeout: fullUDPTimeout},
		tcpClient: &dns.Client{Net: "tcp", Timeout: fullTCPTimeout},
	}, nil
}

func (b *fullBackend) Lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	msg := newQuery(host)
	msg.SetEdns0(fullEdnsSize, false)

	var lastErr error
	for _, upstream := range b.upstreams {
		resp, err := b.exchange(ctx, msg, upstream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Join(ErrCancelled, ctx.Err())
			}
			lastErr = err
			b.log.Debug("upstream failed", "upstream", upstream, "host", host, "error", err)
			continue
		}
		return normalizeResponse(resp)
	}

	if lastErr != nil {
		return nil, errors.Join(ErrExhausted, lastErr)
	}
	return nil, ErrExhausted
}

// exchange queries one upstream, retrying timeouts and falling back to TCP
// when the UDP response is truncated.
func (b *fullBackend) exchange(ctx context.Context, msg *dns.Msg, upstream string) (*dns.Msg, error) {
	var lastErr error
	for attempt := 0; attempt <= fullMaxRetries; attempt++ {
		resp, _, err := b.udpClient.ExchangeContext(ctx, msg, upstream)
		if err != nil {
			lastErr = err
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() && ctx.Err() == nil {
				continue
			}
			return nil, err
		}
		if resp.Truncated {
			resp, _, err = b.tcpClient.ExchangeContext(ctx, msg, upstream)
			if err != nil {
				return nil, err
			}
		}
		return resp, nil
	}
	return nil, lastErr
}

func (b *fullBackend) Close() error {
	return nil
}
