package protocol_test

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/protocol"
)

func mustAddress(t *testing.T, host string, port uint16) protocol.Address {
	t.Helper()
	a, err := protocol.NewAddress(host, port)
	require.NoError(t, err)
	return a
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		host string
		port uint16
		kind protocol.Kind
	}{
		{"IPv4", "192.168.1.20", 8080, protocol.KindIPv4},
		{"IPv4ZeroPort", "0.0.0.0", 0, protocol.KindIPv4},
		{"IPv6", "2001:db8::1", 443, protocol.KindIPv6},
		{"IPv4MappedIPv6", "::ffff:10.0.0.1", 65535, protocol.KindIPv6},
		{"Hostname", "example.com", 443, protocol.KindHostname},
		{"LongestHostname", strings.Repeat("a", protocol.MaxHostnameLen), 1, protocol.KindHostname},
		{"UTF8Hostname", "bücher.example", 80, protocol.KindHostname},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			a := mustAddress(t, tc.host, tc.port)
			require.Equal(t, tc.kind, a.Kind)

			enc := protocol.Encode(a)
			require.Len(t, enc, protocol.HeaderLen(a))

			// Trailing payload must be left alone.
			got, n, err := protocol.Decode(append(enc, "payload"...))
			require.NoError(t, err)
			assert.Equal(t, a, got)
			assert.Equal(t, len(enc), n)
		})
	}
}

func TestEncodeWireFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		[]byte{0x01, 127, 0, 0, 1, 0x1f, 0x90},
		protocol.Encode(mustAddress(t, "127.0.0.1", 8080)))

	assert.Equal(t,
		append(append([]byte{0x03, 11}, "example.com"...), 0x01, 0xbb),
		protocol.Encode(mustAddress(t, "example.com", 443)))

	v6 := protocol.Encode(mustAddress(t, "::1", 53))
	require.Len(t, v6, 19)
	assert.Equal(t, byte(0x04), v6[0])
	assert.Equal(t, byte(1), v6[16])
	assert.Equal(t, []byte{0x00, 0x35}, v6[17:])
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()

	for _, b := range []byte{0x00, 0x02, 0x05, 0xff} {
		_, _, err := protocol.Decode([]byte{b, 1, 2, 3, 4, 5, 6, 7, 8})
		require.ErrorIs(t, err, domain.ErrMalformedHeader)
		assert.NotErrorIs(t, err, domain.ErrTruncated)
	}
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	full := [][]byte{
		protocol.Encode(mustAddress(t, "10.1.2.3", 22)),
		protocol.Encode(mustAddress(t, "2001:db8::2", 22)),
		protocol.Encode(mustAddress(t, "ssh.example.org", 22)),
	}
	for _, enc := range full {
		for i := 0; i < len(enc); i++ {
			_, n, err := protocol.Decode(enc[:i])
			require.ErrorIs(t, err, domain.ErrMalformedHeader, "prefix %d of % x", i, enc)
			require.ErrorIs(t, err, domain.ErrTruncated)
			require.Zero(t, n)
		}
	}
}

func TestDecodeEmptyHostname(t *testing.T) {
	t.Parallel()

	a, n, err := protocol.Decode([]byte{0x03, 0x00, 0x00, 0x50})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, protocol.Address{Kind: protocol.KindHostname, Port: 80}, a)
}

func TestClassifyLiteral(t *testing.T) {
	t.Parallel()

	assert.Equal(t, protocol.KindIPv4, protocol.ClassifyLiteral("8.8.8.8"))
	assert.Equal(t, protocol.KindIPv6, protocol.ClassifyLiteral("fe80::1"))
	assert.Equal(t, protocol.KindNone, protocol.ClassifyLiteral("fe80::1%eth0"))
	assert.Equal(t, protocol.KindNone, protocol.ClassifyLiteral("example.com"))
	assert.Equal(t, protocol.KindNone, protocol.ClassifyLiteral("256.1.1.1"))
	assert.Equal(t, protocol.KindNone, protocol.ClassifyLiteral(""))
}

func TestNewAddressRejectsLongHostname(t *testing.T) {
	t.Parallel()

	_, err := protocol.NewAddress(strings.Repeat("x", protocol.MaxHostnameLen+1), 80)
	require.Error(t, err)
}

func TestAddressString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com:443", mustAddress(t, "example.com", 443).String())
	assert.Equal(t, "[2001:db8::1]:80", mustAddress(t, "2001:db8::1", 80).String())

	resolved := mustAddress(t, "example.com", 443).WithIP(netip.MustParseAddr("93.184.216.34"))
	assert.Equal(t, protocol.KindIPv4, resolved.Kind)
	assert.Equal(t, "93.184.216.34:443", resolved.String())
}
