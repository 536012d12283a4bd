// Package protocol implements the shadow header that names a tunnel's final
// destination, and the HTTP CONNECT request line accepted from local clients.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"shadow-tunnel/internal/domain"
)

type Kind byte

const (
	KindNone     Kind = 0
	KindIPv4     Kind = domain.AtypIPv4
	KindHostname Kind = domain.AtypDomain
	KindIPv6     Kind = domain.AtypIPv6
)

func (k Kind) String() string {
	switch k {
	case KindIPv4:
		return "ipv4"
	case KindIPv6:
		return "ipv6"
	case KindHostname:
		return "hostname"
	}
	return "none"
}

// MaxHostnameLen is the longest hostname the one-byte length prefix can carry.
const MaxHostnameLen = 255

// Address is a tunnel destination. IP is set for KindIPv4 and KindIPv6,
// Host for KindHostname.
type Address struct {
	Kind Kind
	IP   netip.Addr
	Host string
	Port uint16
}

// NewAddress builds an Address from host text, picking the kind with
// ClassifyLiteral.
func NewAddress(host string, port uint16) (Address, error) {
	switch ClassifyLiteral(host) {
	case KindIPv4:
		ip, _ := netip.ParseAddr(host)
		return Address{Kind: KindIPv4, IP: ip, Port: port}, nil
	case KindIPv6:
		ip, _ := netip.ParseAddr(host)
		return Address{Kind: KindIPv6, IP: ip, Port: port}, nil
	}
	if len(host) > MaxHostnameLen {
		return Address{}, fmt.Errorf("hostname is %d bytes, limit is %d", len(host), MaxHostnameLen)
	}
	return Address{Kind: KindHostname, Host: host, Port: port}, nil
}

// ClassifyLiteral reports whether text is an IPv4 or IPv6 literal.
// Anything else, zoned IPv6 included, is a hostname (KindNone).
func ClassifyLiteral(text string) Kind {
	ip, err := netip.ParseAddr(text)
	if err != nil || ip.Zone() != "" {
		return KindNone
	}
	if ip.Is4() {
		return KindIPv4
	}
	return KindIPv6
}

func (a Address) IsHostname() bool {
	return a.Kind == KindHostname
}

// AddrPort is only meaningful for IP addresses.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// WithIP returns the resolved form of a hostname address.
func (a Address) WithIP(ip netip.Addr) Address {
	kind := KindIPv6
	if ip.Is4() {
		kind = KindIPv4
	}
	return Address{Kind: kind, IP: ip, Port: a.Port}
}

func (a Address) String() string {
	if a.Kind == KindHostname {
		return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
	}
	return a.AddrPort().String()
}

// HeaderLen is the encoded size of a.
func HeaderLen(a Address) int {
	switch a.Kind {
	case KindIPv4:
		return 1 + 4 + 2
	case KindIPv6:
		return 1 + 16 + 2
	}
	return 1 + 1 + len(a.Host) + 2
}

// Encode returns the shadow header for a. Hostnames longer than
// MaxHostnameLen must be rejected before they get here.
func Encode(a Address) []byte {
	return AppendHeader(make([]byte, 0, HeaderLen(a)), a)
}

func AppendHeader(dst []byte, a Address) []byte {
	dst = append(dst, byte(a.Kind))
	switch a.Kind {
	case KindIPv4:
		b := a.IP.As4()
		dst = append(dst, b[:]...)
	case KindIPv6:
		b := a.IP.As16()
		dst = append(dst, b[:]...)
	default:
		dst = append(dst, byte(len(a.Host)))
		dst = append(dst, a.Host...)
	}
	return binary.BigEndian.AppendUint16(dst, a.Port)
}

var errShortHeader = fmt.Errorf("%w: %w", domain.ErrMalformedHeader, domain.ErrTruncated)

// Decode parses a shadow header at the start of buf and reports how many
// bytes it used. A buffer that ends early fails with an error matching both
// domain.ErrMalformedHeader and domain.ErrTruncated; callers that are still
// assembling the header keep reading on ErrTruncated.
func Decode(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, errShortHeader
	}

	var a Address
	n := 1
	switch Kind(buf[0]) {
	case KindIPv4:
		if len(buf) < 1+4+2 {
			return Address{}, 0, errShortHeader
		}
		a.Kind = KindIPv4
		a.IP = netip.AddrFrom4([4]byte(buf[1:5]))
		n += 4
	case KindIPv6:
		if len(buf) < 1+16+2 {
			return Address{}, 0, errShortHeader
		}
		a.Kind = KindIPv6
		a.IP = netip.AddrFrom16([16]byte(buf[1:17]))
		n += 16
	case KindHostname:
		if len(buf) < 2 {
			return Address{}, 0, errShortHeader
		}
		l := int(buf[1])
		if len(buf) < 2+l+2 {
			return Address{}, 0, errShortHeader
		}
		a.Kind = KindHostname
		a.Host = string(buf[2 : 2+l])
		n += 1 + l
	default:
		return Address{}, 0, fmt.Errorf("%w: unknown address type %#02x", domain.ErrMalformedHeader, buf[0])
	}

	a.Port = binary.BigEndian.Uint16(buf[n : n+2])
	return a, n + 2, nil
}
