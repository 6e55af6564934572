package resolver

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNameServer runs a UDP DNS server answering from the records map
// (name -> IPv4 strings). Unknown names get NXDOMAIN; names mapped to an
// empty slice get an empty NOERROR answer.
func testNameServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		q := req.Question[0]

		ips, ok := records[q.Name]
		if !ok {
			m.SetRcode(req, dns.RcodeNameError)
			_ = w.WriteMsg(m)
			return
		}

		m.SetReply(req)
		for _, ip := range ips {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.ParseIP(ip),
			})
		}
		_ = w.WriteMsg(m)
	})

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Options{Backend: "systemd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown resolver backend")
}

func TestFullBackendResolve(t *testing.T) {
	ns := testNameServer(t, map[string][]string{
		"example.test.": {"10.0.0.1", "10.0.0.2"},
	})

	r, err := New(Options{Backend: "full", Upstreams: []string{ns}})
	require.NoError(t, err)
	defer r.Close()

	addrs, err := r.Resolve(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.0.0.1"),
		netip.MustParseAddr("10.0.0.2"),
	}, addrs)
}

func TestFullBackendNXDomain(t *testing.T) {
	ns := testNameServer(t, nil)

	r, err := New(Options{Backend: "full", Upstreams: []string{ns}})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Resolve(context.Background(), "no.such.test")
	assert.ErrorIs(t, err, ErrNXDomain)
}

func TestFullBackendEmptyAnswer(t *testing.T) {
	ns := testNameServer(t, map[string][]string{
		"empty.test.": {},
	})

	r, err := New(Options{Backend: "full", Upstreams: []string{ns}})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Resolve(context.Background(), "empty.test")
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestFullBackendUpstreamFailover(t *testing.T) {
	// First upstream is a bound but silent socket; lookups must fail over.
	dead, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer dead.Close()

	ns := testNameServer(t, map[string][]string{
		"example.test.": {"10.0.0.1"},
	})

	b, err := newFullBackend([]string{dead.LocalAddr().String(), ns}, slog.Default())
	require.NoError(t, err)
	b.udpClient = &dns.Client{Net: "udp", Timeout: 200 * time.Millisecond}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	addrs, err := b.Lookup(ctx, "example.test")
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
}

func TestStubBackendResolve(t *testing.T) {
	ns := testNameServer(t, map[string][]string{
		"example.test.": {"10.0.0.1"},
	})

	r, err := New(Options{Backend: "stub", NameServer: ns})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	addrs, err := r.Resolve(ctx, "example.test")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1")}, addrs)
}

func TestStubBackendConcurrentLookups(t *testing.T) {
	records := map[string][]string{}
	for _, h := range []string{"a.test.", "b.test.", "c.test.", "d.test."} {
		records[h] = []string{"10.0.0.9"}
	}
	ns := testNameServer(t, records)

	r, err := New(Options{Backend: "stub", NameServer: ns})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	var wg sync.WaitGroup
	for _, host := range []string{"a.test", "b.test", "c.test", "d.test"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addrs, err := r.Resolve(ctx, host)
			assert.NoError(t, err)
			assert.Len(t, addrs, 1)
		}()
	}
	wg.Wait()
}

func TestStubBackendNXDomain(t *testing.T) {
	ns := testNameServer(t, nil)

	r, err := New(Options{Backend: "stub", NameServer: ns})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	_, err = r.Resolve(ctx, "no.such.test")
	assert.ErrorIs(t, err, ErrNXDomain)
}

func TestStubBackendCancellation(t *testing.T) {
	// A bound but silent name server: the lookup can only end by
	// cancellation.
	dead, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer dead.Close()

	r, err := New(Options{Backend: "stub", NameServer: dead.LocalAddr().String()})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	r.Start(runCtx)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = r.Resolve(ctx, "slow.test")
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestStubBackendExactlyOneCompletion(t *testing.T) {
	ns := testNameServer(t, map[string][]string{"race.test.": {"10.1.1.1"}})

	r, err := New(Options{Backend: "stub", NameServer: ns})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	r.Start(runCtx)

	// Cancel concurrently with completion, repeatedly. Each Resolve must
	// return exactly once with either a result or a cancellation error.
	for range 50 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			addrs, err := r.Resolve(ctx, "race.test")
			if err == nil {
				assert.Len(t, addrs, 1)
			} else {
				assert.ErrorIs(t, err, ErrCancelled)
			}
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("lookup did not complete")
		}
	}
}

func TestNormalizeResponse(t *testing.T) {
	req := newQuery("x.test")

	t.Run("success", func(t *testing.T) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: "x.test.", Rrtype: dns.TypeA, Class: dns.ClassINET},
			A:   net.ParseIP("192.0.2.7"),
		})
		addrs, err := normalizeResponse(m)
		require.NoError(t, err)
		assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.7")}, addrs)
	})

	t.Run("servfail", func(t *testing.T) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		_, err := normalizeResponse(m)
		var rcErr *RcodeError
		require.ErrorAs(t, err, &rcErr)
		assert.Equal(t, dns.RcodeServerFailure, rcErr.Rcode)
	})

	t.Run("non-A answers only", func(t *testing.T) {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: "x.test.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
			Target: "y.test.",
		})
		_, err := normalizeResponse(m)
		assert.ErrorIs(t, err, ErrNoAddresses)
	})
}
