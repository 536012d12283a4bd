package dns_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/domain"
	tunneldns "shadow-tunnel/internal/infrastructure/dns"
)

// startServer runs an authoritative stub for the .test zone on loopback.
func startServer(t *testing.T) netip.AddrPort {
	t.Helper()

	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)

	records := map[uint16]map[string]string{
		dns.TypeA: {
			"example.test.": "example.test. 60 IN A 10.1.2.3",
			"multi.test.":   "multi.test. 60 IN A 10.0.0.7",
		},
		dns.TypeAAAA: {
			"v6only.test.": "v6only.test. 60 IN AAAA 2001:db8::1",
		},
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		switch q.Name {
		case "example.test.", "multi.test.", "v6only.test.":
			if s, ok := records[q.Qtype][q.Name]; ok {
				rr, err := dns.NewRR(s)
				if err == nil {
					m.Answer = append(m.Answer, rr)
				}
			}
		default:
			m.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return netip.MustParseAddrPort(pc.LocalAddr().String())
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type result struct {
	ip  netip.Addr
	err error
}

// await pumps the resolver socket until done has been called.
func await(t *testing.T, r *tunneldns.Resolver, got *[]result, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(*got) < want {
		require.True(t, time.Now().Before(deadline), "timed out waiting for DNS answer")
		fds := []unix.PollFd{{Fd: int32(r.FD()), Events: unix.POLLIN}}
		_, err := unix.Poll(fds, 100)
		if err == unix.EINTR {
			continue
		}
		require.NoError(t, err)
		r.HandleReadable()
	}
}

func TestResolverAnswers(t *testing.T) {
	server := startServer(t)

	tests := []struct {
		host    string
		want    netip.Addr
		wantErr bool
	}{
		{host: "example.test", want: netip.MustParseAddr("10.1.2.3")},
		{host: "v6only.test", want: netip.MustParseAddr("2001:db8::1")},
		{host: "missing.test", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			r, err := tunneldns.NewResolver(server, quietLogger())
			require.NoError(t, err)
			defer r.Close()

			var got []result
			_, err = r.Query(tt.host, func(ip netip.Addr, err error) {
				got = append(got, result{ip, err})
			})
			require.NoError(t, err)

			await(t, r, &got, 1)
			require.Len(t, got, 1)
			if tt.wantErr {
				assert.ErrorIs(t, got[0].err, domain.ErrResolve)
				return
			}
			require.NoError(t, got[0].err)
			assert.Equal(t, tt.want, got[0].ip)
			assert.Zero(t, r.Pending())
		})
	}
}

func TestResolverCancel(t *testing.T) {
	server := startServer(t)

	r, err := tunneldns.NewResolver(server, quietLogger())
	require.NoError(t, err)
	defer r.Close()

	var cancelled, kept []result
	id, err := r.Query("example.test", func(ip netip.Addr, err error) {
		cancelled = append(cancelled, result{ip, err})
	})
	require.NoError(t, err)
	_, err = r.Query("multi.test", func(ip netip.Addr, err error) {
		kept = append(kept, result{ip, err})
	})
	require.NoError(t, err)

	r.Cancel(id)
	await(t, r, &kept, 1)

	// Give the cancelled answer time to arrive and be dropped.
	time.Sleep(50 * time.Millisecond)
	r.HandleReadable()

	assert.Empty(t, cancelled)
	require.NoError(t, kept[0].err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), kept[0].ip)
}

func TestLookup(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ip, err := tunneldns.Lookup(ctx, server, "example.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.2.3"), ip)

	ip, err = tunneldns.Lookup(ctx, server, "v6only.test")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), ip)

	_, err = tunneldns.Lookup(ctx, server, "missing.test")
	assert.ErrorIs(t, err, domain.ErrResolve)
}

func TestDefaultServerIsUsable(t *testing.T) {
	ap := tunneldns.DefaultServer()
	assert.True(t, ap.IsValid())
	assert.NotZero(t, ap.Port())
}

func TestResolverExpiresUnansweredQueries(t *testing.T) {
	// Bound but never read, so no answer ever comes back.
	silent, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer silent.Close()

	r, err := tunneldns.NewResolver(netip.MustParseAddrPort(silent.LocalAddr().String()), quietLogger())
	require.NoError(t, err)
	defer r.Close()
	r.Timeout = time.Second

	var got []result
	_, err = r.Query("example.test", func(ip netip.Addr, err error) {
		got = append(got, result{ip, err})
	})
	require.NoError(t, err)

	assert.Zero(t, r.Expire(time.Now()), "not overdue yet")
	assert.Empty(t, got)

	assert.Equal(t, 1, r.Expire(time.Now().Add(2*time.Second)))
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].err, domain.ErrResolve)
	assert.Zero(t, r.Pending())

	assert.Zero(t, r.Expire(time.Now().Add(time.Hour)), "expired queries complete once")
	assert.Len(t, got, 1)
}
