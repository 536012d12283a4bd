package dns

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"

	"shadow-tunnel/internal/domain"
)

// Lookup resolves host against server, trying A before AAAA. It blocks until
// an answer arrives or ctx is done.
func Lookup(ctx context.Context, server netip.AddrPort, host string) (netip.Addr, error) {
	c := new(dns.Client)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := c.ExchangeContext(ctx, m, server.String())
		if err != nil {
			return netip.Addr{}, fmt.Errorf("%w: %s: %w", domain.ErrResolve, host, err)
		}
		if resp.Rcode != dns.RcodeSuccess {
			return netip.Addr{}, fmt.Errorf("%w: %s: %s", domain.ErrResolve, host, dns.RcodeToString[resp.Rcode])
		}
		if ip, ok := firstAddr(resp, qtype); ok {
			return ip, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s has no address records", domain.ErrResolve, host)
}
