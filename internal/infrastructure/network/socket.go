package network

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/domain"
)

// DefaultWriteTimeout bounds how long WriteAll waits for a full send buffer
// to drain.
const DefaultWriteTimeout = 30 * time.Second

var errWriteTimeout = errors.New("write timed out")

// Socket is a non-blocking TCP socket implementing domain.Socket.
type Socket struct {
	fd           int
	closed       bool
	WriteTimeout time.Duration
}

var _ domain.Socket = (*Socket)(nil)

func newSocket(fd int) *Socket {
	return &Socket{fd: fd, WriteTimeout: DefaultWriteTimeout}
}

func (s *Socket) FD() int { return s.fd }

func isReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNABORTED)
}

func (s *Socket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == nil:
			return n, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, domain.ErrWouldBlock
		case isReset(err):
			return 0, fmt.Errorf("%w: %w", domain.ErrPeerReset, err)
		default:
			return 0, err
		}
	}
}

// WriteAll sends every byte of p, waiting for writability when the kernel
// buffer is full.
func (s *Socket) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := unix.SendmsgN(s.fd, p, nil, nil, unix.MSG_NOSIGNAL)
		switch {
		case err == nil:
			p = p[n:]
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			if err := s.waitWritable(); err != nil {
				return err
			}
		case isReset(err):
			return fmt.Errorf("%w: %w", domain.ErrPeerReset, err)
		default:
			return err
		}
	}
	return nil
}

func (s *Socket) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	for {
		n, err := unix.Poll(fds, int(s.WriteTimeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return errWriteTimeout
		}
		return nil
	}
}

func (s *Socket) CloseWrite() error {
	err := unix.Shutdown(s.fd, unix.SHUT_WR)
	if errors.Is(err, unix.ENOTCONN) {
		return nil
	}
	return err
}

// Close is safe to call more than once.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *Socket) ConnectError() error {
	val, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailure, err)
	}
	if val != 0 {
		return fmt.Errorf("%w: %w", domain.ErrConnectFailure, syscall.Errno(val))
	}
	return nil
}
