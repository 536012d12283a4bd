package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"shadow-tunnel/internal/domain"
)

const (
	// MaxRequestHeader bounds how much a local client may send before the
	// blank line that ends its CONNECT request.
	MaxRequestHeader = 8192

	MethodConnect = "CONNECT"
)

var (
	headerTerminator = []byte("\r\n\r\n")

	ReplyEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
)

// RequestHeaderEnd returns the offset just past the blank line that ends an
// HTTP request header, or -1 if buf does not hold one yet.
func RequestHeaderEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// ParseConnectLine reads the request line at the start of buf. Only the
// first line is examined; the caller checks that the header is complete.
func ParseConnectLine(buf []byte) (Address, error) {
	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	}
	line = bytes.TrimSuffix(line, []byte{'\r'})

	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return Address{}, fmt.Errorf("%w: empty request line", domain.ErrMalformedRequestLine)
	}
	if fields[0] != MethodConnect {
		return Address{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, fields[0])
	}
	if len(fields) < 2 {
		return Address{}, fmt.Errorf("%w: missing target", domain.ErrMalformedRequestLine)
	}

	target := fields[1]
	i := strings.LastIndexByte(target, ':')
	if i < 0 {
		return Address{}, fmt.Errorf("%w: target %q has no port", domain.ErrMalformedRequestLine, target)
	}
	host, portText := target[:i], target[i+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return Address{}, fmt.Errorf("%w: target %q has no host", domain.ErrMalformedRequestLine, target)
	}

	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("%w: bad port %q", domain.ErrMalformedRequestLine, portText)
	}

	addr, err := NewAddress(host, uint16(port))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", domain.ErrMalformedRequestLine, err)
	}
	return addr, nil
}
