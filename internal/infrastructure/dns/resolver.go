// Package dns resolves destination hostnames with github.com/miekg/dns,
// either asynchronously on a reactor-owned UDP socket or synchronously for
// goroutine-per-connection code.
package dns

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/infrastructure/network"
)

const (
	resolvConf    = "/etc/resolv.conf"
	fallbackDNS   = "8.8.8.8:53"
	maxUDPMessage = 4096

	DefaultQueryTimeout = 5 * time.Second
)

// DefaultServer returns the first nameserver from resolv.conf, or a public
// resolver when none is configured.
func DefaultServer() netip.AddrPort {
	if cfg, err := dns.ClientConfigFromFile(resolvConf); err == nil && len(cfg.Servers) > 0 {
		if ap, err := netip.ParseAddrPort(net.JoinHostPort(cfg.Servers[0], cfg.Port)); err == nil {
			return ap
		}
	}
	return netip.MustParseAddrPort(fallbackDNS)
}

var _ domain.DNSResolver = (*Resolver)(nil)

type query struct {
	host  string
	qtype uint16
	done  func(netip.Addr, error)

	deadline time.Time
}

// Resolver sends queries from a non-blocking UDP socket and completes them
// when the owner reports the socket readable. It is not safe for concurrent
// use; it lives on the reactor goroutine.
type Resolver struct {
	log     *slog.Logger
	fd      int
	server  unix.Sockaddr
	pending map[uint16]*query

	// Timeout bounds each question sent; Expire fails queries past it.
	Timeout time.Duration
}

func NewResolver(server netip.AddrPort, log *slog.Logger) (*Resolver, error) {
	fd, err := network.BindUDP(server)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp: %w", err)
	}
	return &Resolver{
		log:     log,
		fd:      fd,
		server:  network.Sockaddr(server),
		pending: make(map[uint16]*query),
		Timeout: DefaultQueryTimeout,
	}, nil
}

func (r *Resolver) FD() int { return r.fd }

func (r *Resolver) Pending() int { return len(r.pending) }

// Query starts resolving host. done runs from HandleReadable with the first
// A record, or the first AAAA record when there is no A record. The returned
// id can be passed to Cancel.
func (r *Resolver) Query(host string, done func(netip.Addr, error)) (uint16, error) {
	id := dns.Id()
	for r.pending[id] != nil {
		id = dns.Id()
	}
	q := &query{host: host, qtype: dns.TypeA, done: done}
	if err := r.send(id, q); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *Resolver) send(id uint16, q *query) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(q.host), q.qtype)
	m.RecursionDesired = true
	m.Id = id

	packed, err := m.Pack()
	if err != nil {
		return fmt.Errorf("%w: pack query for %q: %w", domain.ErrResolve, q.host, err)
	}
	if err := unix.Sendto(r.fd, packed, 0, r.server); err != nil {
		return fmt.Errorf("%w: send query for %q: %w", domain.ErrResolve, q.host, err)
	}

	q.deadline = time.Now().Add(r.Timeout)
	r.pending[id] = q
	return nil
}

// Cancel forgets a query; its callback will not run.
func (r *Resolver) Cancel(id uint16) {
	delete(r.pending, id)
}

// Expire fails every query that has waited past its deadline at now and
// returns how many there were.
func (r *Resolver) Expire(now time.Time) int {
	var expired []*query
	for id, q := range r.pending {
		if now.After(q.deadline) {
			delete(r.pending, id)
			expired = append(expired, q)
		}
	}
	for _, q := range expired {
		r.log.Debug("DNS query timed out", "domain", q.host)
		q.done(netip.Addr{}, fmt.Errorf("%w: %s: no answer within %s", domain.ErrResolve, q.host, r.Timeout))
	}
	return len(expired)
}

// HandleReadable drains every response waiting on the socket.
func (r *Resolver) HandleReadable() {
	buf := make([]byte, maxUDPMessage)
	for {
		n, _, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EINTR {
				r.log.Warn("DNS receive failed", "error", err)
			}
			return
		}
		r.handleResponse(buf[:n])
	}
}

func (r *Resolver) handleResponse(b []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		r.log.Error("Failed to unpack DNS response", "error", err)
		return
	}

	q, exists := r.pending[msg.Id]
	if !exists {
		return
	}
	if len(msg.Question) == 0 || !strings.EqualFold(msg.Question[0].Name, dns.Fqdn(q.host)) || msg.Question[0].Qtype != q.qtype {
		// Not an answer to what we asked; keep waiting.
		return
	}
	delete(r.pending, msg.Id)

	if msg.Rcode != dns.RcodeSuccess {
		q.done(netip.Addr{}, fmt.Errorf("%w: %s: %s", domain.ErrResolve, q.host, dns.RcodeToString[msg.Rcode]))
		return
	}

	if ip, ok := firstAddr(msg, q.qtype); ok {
		r.log.Debug("DNS Resolved", "domain", q.host, "ip", ip)
		q.done(ip, nil)
		return
	}

	if q.qtype == dns.TypeA {
		q.qtype = dns.TypeAAAA
		if err := r.send(msg.Id, q); err != nil {
			q.done(netip.Addr{}, err)
		}
		return
	}
	q.done(netip.Addr{}, fmt.Errorf("%w: %s has no address records", domain.ErrResolve, q.host))
}

func firstAddr(msg *dns.Msg, qtype uint16) (netip.Addr, bool) {
	for _, ans := range msg.Answer {
		switch rr := ans.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				if ip, ok := netip.AddrFromSlice(rr.A.To4()); ok {
					return ip, true
				}
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				if ip, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
					return ip, true
				}
			}
		}
	}
	return netip.Addr{}, false
}

func (r *Resolver) Close() error {
	r.pending = map[uint16]*query{}
	err := unix.Close(r.fd)
	if errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}
