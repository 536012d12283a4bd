package domain

import "errors"

// Every per-connection failure is one of these kinds. Callers wrap them with
// context and test with errors.Is; the connection boundary turns any of them
// into a destroy.
var (
	ErrMalformedHeader      = errors.New("malformed shadow header")
	ErrTruncated            = errors.New("truncated")
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrUnsupportedMethod    = errors.New("unsupported method")
	ErrPeerReset            = errors.New("connection reset by peer")
	ErrConnectFailure       = errors.New("connect failed")
	ErrTransform            = errors.New("cipher transform failed")
	ErrResolve              = errors.New("resolve failed")

	// ErrWouldBlock is not a failure: the socket had nothing to read.
	ErrWouldBlock = errors.New("operation would block")
)
