package application

import (
	"errors"
	"fmt"

	"shadow-tunnel/internal/cryptor"
	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/protocol"
)

// side names one of a connection's two sockets.
type side int

const (
	sideLocal side = iota
	sideRemote
)

func (s side) peer() side {
	if s == sideLocal {
		return sideRemote
	}
	return sideLocal
}

func (s side) String() string {
	if s == sideLocal {
		return "local"
	}
	return "remote"
}

const (
	LocalProtocolHTTP   = "http"
	LocalProtocolShadow = "shadow"
)

// Role is everything that differs between the client and the server end of
// the tunnel. Both scheduling models drive connections through a Role.
type Role interface {
	Name() string
	// Ciphered names the side whose bytes are ciphertext.
	Ciphered() side
	// ParseHead looks for a complete request header at the start of the
	// plaintext collected from the local side. done is false while more
	// bytes are needed; n is the header length once done.
	ParseHead(buf []byte) (dest protocol.Address, n int, done bool, err error)
	// DialTarget is where the remote socket connects for dest.
	DialTarget(dest protocol.Address) protocol.Address
	// Prelude is the plaintext written to the remote side right after the
	// connect succeeds; leftover is what followed the header.
	Prelude(dest protocol.Address, leftover []byte) []byte
	// LocalReply is written to the local side once the remote connect
	// succeeds, or nil.
	LocalReply() []byte
}

// ClientRole accepts plaintext requests from local applications and
// forwards them to the tunnel server.
type ClientRole struct {
	server      protocol.Address
	shadowLocal bool
}

func NewClientRole(server protocol.Address, localProtocol string) (*ClientRole, error) {
	r := &ClientRole{server: server}
	switch localProtocol {
	case "", LocalProtocolHTTP:
	case LocalProtocolShadow:
		r.shadowLocal = true
	default:
		return nil, fmt.Errorf("unknown local protocol %q", localProtocol)
	}
	return r, nil
}

func (r *ClientRole) Name() string { return "client" }

func (r *ClientRole) Ciphered() side { return sideRemote }

func (r *ClientRole) ParseHead(buf []byte) (protocol.Address, int, bool, error) {
	if r.shadowLocal {
		return decodeShadowHead(buf)
	}

	end := protocol.RequestHeaderEnd(buf)
	if end < 0 {
		if len(buf) > protocol.MaxRequestHeader {
			return protocol.Address{}, 0, false, fmt.Errorf("%w: request header exceeds %d bytes", domain.ErrMalformedRequestLine, protocol.MaxRequestHeader)
		}
		return protocol.Address{}, 0, false, nil
	}
	dest, err := protocol.ParseConnectLine(buf[:end])
	if err != nil {
		return protocol.Address{}, 0, false, err
	}
	return dest, end, true, nil
}

func (r *ClientRole) DialTarget(protocol.Address) protocol.Address { return r.server }

func (r *ClientRole) Prelude(dest protocol.Address, leftover []byte) []byte {
	out := make([]byte, 0, protocol.HeaderLen(dest)+len(leftover))
	out = protocol.AppendHeader(out, dest)
	return append(out, leftover...)
}

func (r *ClientRole) LocalReply() []byte {
	if r.shadowLocal {
		return nil
	}
	return protocol.ReplyEstablished
}

// ServerRole deciphers requests arriving through the tunnel and connects to
// the destination they name.
type ServerRole struct{}

func NewServerRole() *ServerRole { return &ServerRole{} }

func (ServerRole) Name() string { return "server" }

func (ServerRole) Ciphered() side { return sideLocal }

func (ServerRole) ParseHead(buf []byte) (protocol.Address, int, bool, error) {
	return decodeShadowHead(buf)
}

func (ServerRole) DialTarget(dest protocol.Address) protocol.Address { return dest }

func (ServerRole) Prelude(_ protocol.Address, leftover []byte) []byte { return leftover }

func (ServerRole) LocalReply() []byte { return nil }

func decodeShadowHead(buf []byte) (protocol.Address, int, bool, error) {
	if len(buf) == 0 {
		return protocol.Address{}, 0, false, nil
	}
	dest, n, err := protocol.Decode(buf)
	if errors.Is(err, domain.ErrTruncated) {
		return protocol.Address{}, 0, false, nil
	}
	if err != nil {
		return protocol.Address{}, 0, false, err
	}
	return dest, n, true, nil
}

// headAssembler collects local plaintext until the role recognises a
// complete request header.
type headAssembler struct {
	role Role
	buf  []byte
}

// feed appends p and, once the header is complete, returns the destination
// and a copy of the bytes that followed the header.
func (h *headAssembler) feed(p []byte) (dest protocol.Address, rest []byte, done bool, err error) {
	h.buf = append(h.buf, p...)
	dest, n, done, err := h.role.ParseHead(h.buf)
	if err != nil || !done {
		return protocol.Address{}, nil, false, err
	}
	rest = append([]byte(nil), h.buf[n:]...)
	h.buf = nil
	return dest, rest, true, nil
}

// cipherPipe applies a connection's cipher in the direction the role asks
// for. Bytes from the ciphered side are deciphered after the peer's IV has
// been collected; bytes towards it are enciphered.
type cipherPipe struct {
	ciphered side
	crypt    *cryptor.Cryptor
	ivBuf    []byte
}

func newCipherPipe(role Role, crypt *cryptor.Cryptor) *cipherPipe {
	return &cipherPipe{ciphered: role.Ciphered(), crypt: crypt}
}

// inbound turns bytes read from s into plaintext. It may return nothing
// while the IV is still incomplete.
func (p *cipherPipe) inbound(s side, b []byte) ([]byte, error) {
	if s != p.ciphered {
		return b, nil
	}
	if !p.crypt.DecryptReady() {
		p.ivBuf = append(p.ivBuf, b...)
		if len(p.ivBuf) < p.crypt.IVSize() {
			return nil, nil
		}
		b, p.ivBuf = p.ivBuf, nil
	}
	return p.crypt.Decrypt(b)
}

// outbound turns plaintext into the bytes written to s.
func (p *cipherPipe) outbound(s side, b []byte) ([]byte, error) {
	if s != p.ciphered || len(b) == 0 {
		return b, nil
	}
	return p.crypt.Encrypt(b)
}
