package domain

import (
	"net/netip"
	"time"
)

type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4 // EPOLLOUT
	EventError EventType = 0x8 // EPOLLERR or EPOLLHUP
)

type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// Ticker is implemented by handlers that want periodic callbacks from the
// loop goroutine, e.g. to sweep idle connections without a second thread.
type Ticker interface {
	Tick(now time.Time)
}

type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler) error
	Stop()
}

// Socket is a non-blocking stream socket owned by exactly one connection.
//
// Read returns (0, nil) on orderly EOF, ErrWouldBlock when nothing is
// available and ErrPeerReset when the peer reset the connection.
// WriteAll returns only once every byte has been handed to the kernel.
type Socket interface {
	FD() int
	Read(p []byte) (int, error)
	WriteAll(p []byte) error
	CloseWrite() error
	Close() error
	// ConnectError reports the deferred result of a non-blocking connect.
	ConnectError() error
}

// DNSResolver resolves hostnames on a socket driven by the event loop. done
// callbacks run from HandleReadable or Expire on the loop goroutine.
type DNSResolver interface {
	FD() int
	Query(host string, done func(ip netip.Addr, err error)) (uint16, error)
	Cancel(id uint16)
	HandleReadable()
	// Expire fails queries still unanswered at now.
	Expire(now time.Time) int
	Close() error
}
