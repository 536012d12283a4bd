package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"shadow-tunnel/internal/cryptor"
	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/protocol"
)

// maxEarlyData bounds how much local input is buffered while the remote
// side is still being resolved or connected. Past it the local socket is
// not read until the connection is established.
const maxEarlyData = 64 << 10

// reactor is what a Connection needs from the dispatcher that owns it. All
// calls happen on the dispatcher goroutine.
type reactor interface {
	// watch sets the readiness events wanted for s; zero stops watching.
	watch(c *Connection, s domain.Socket, events domain.EventType) error
	// unwatch forgets s. Unknown sockets are ignored.
	unwatch(s domain.Socket)
	dial(addr netip.AddrPort) (domain.Socket, error)
	// lookupStatic answers host without a query when it is an address
	// literal or listed in the hosts file.
	lookupStatic(host string) (netip.Addr, bool)
	resolve(host string, done func(netip.Addr, error)) (uint16, error)
	cancelResolve(id uint16)
	touch(c *Connection)
	// release is called exactly once, when the connection is destroyed.
	release(c *Connection)
}

type handlers struct {
	localReadable  func(*Connection)
	remoteReadable func(*Connection)
	remoteWritable func(*Connection)
}

// stateTable says which handler runs for each readiness event in each
// state. Events with no handler are ignored.
var stateTable = [...]handlers{
	domain.StateInit: {
		localReadable: (*Connection).assembleHead,
	},
	domain.StateWaitResolve: {
		localReadable: (*Connection).bufferLocal,
	},
	domain.StateRemoteConnect: {
		localReadable:  (*Connection).bufferLocal,
		remoteWritable: (*Connection).finishConnect,
	},
	domain.StateEstablished: {
		localReadable:  (*Connection).relayUpstream,
		remoteReadable: (*Connection).relayDownstream,
	},
	domain.StateDestroyed: {},
}

// Connection tunnels one accepted local socket through one remote socket.
// It owns both sockets and is driven by a single goroutine.
type Connection struct {
	id    uint64
	log   *slog.Logger
	r     reactor
	role  Role
	pipe  *cipherPipe
	head  headAssembler
	stats *Stats
	buf   []byte

	local     domain.Socket
	localAddr netip.AddrPort
	remote    domain.Socket

	dest     protocol.Address
	target   protocol.Address
	upstream []byte

	state        domain.State
	localClosed  bool
	remoteClosed bool
	localPaused  bool
	resolving    bool
	queryID      uint16
}

func newConnection(id uint64, r reactor, role Role, crypt *cryptor.Cryptor, local domain.Socket, localAddr netip.AddrPort, stats *Stats, log *slog.Logger) *Connection {
	return &Connection{
		id:        id,
		log:       log,
		r:         r,
		role:      role,
		pipe:      newCipherPipe(role, crypt),
		head:      headAssembler{role: role},
		stats:     stats,
		buf:       make([]byte, domain.RelayChunkSize),
		local:     local,
		localAddr: localAddr,
	}
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) State() domain.State { return c.state }

// Start begins waiting for the local request header.
func (c *Connection) Start() {
	c.transition(domain.StateInit)
}

// Close destroys the connection. It is safe to call in any state.
func (c *Connection) Close() {
	c.destroy("closed", nil)
}

func (c *Connection) socket(s side) domain.Socket {
	if s == sideLocal {
		return c.local
	}
	return c.remote
}

// sideOf reports which of the connection's sockets fd belongs to.
func (c *Connection) sideOf(fd int) (side, bool) {
	switch {
	case c.local != nil && c.local.FD() == fd:
		return sideLocal, true
	case c.remote != nil && c.remote.FD() == fd:
		return sideRemote, true
	}
	return 0, false
}

// handle runs the current state's handler for an event on side s. Errors
// and hang-ups count as readiness so the handler observes them.
func (c *Connection) handle(s side, ev domain.EventType) {
	h := stateTable[c.state]
	readable := ev&(domain.EventRead|domain.EventError) != 0
	writable := ev&(domain.EventWrite|domain.EventError) != 0

	switch {
	case s == sideLocal && readable && h.localReadable != nil:
		h.localReadable(c)
	case s == sideRemote && writable && h.remoteWritable != nil:
		h.remoteWritable(c)
	case s == sideRemote && readable && h.remoteReadable != nil:
		h.remoteReadable(c)
	}
}

// transition enters next and applies its socket interest.
func (c *Connection) transition(next domain.State) {
	c.log.Debug("State change", "conn", c.id, "from", c.state, "to", next)
	c.state = next

	switch next {
	case domain.StateInit:
		c.watch(c.local, domain.EventRead)
	case domain.StateRemoteConnect:
		c.watch(c.remote, domain.EventWrite)
	case domain.StateEstablished:
		c.localPaused = false
		if c.watch(c.local, domain.EventRead) {
			c.watch(c.remote, domain.EventRead)
		}
	}
}

func (c *Connection) watch(s domain.Socket, events domain.EventType) bool {
	if err := c.r.watch(c, s, events); err != nil {
		c.destroy("register failed", err)
		return false
	}
	return true
}

// recv reads one chunk from s and returns it as plaintext. ok is false when
// the caller has nothing to do: the read would block, the IV is still
// incomplete, or the connection was destroyed.
func (c *Connection) recv(s side) (plain []byte, eof, ok bool) {
	n, err := c.socket(s).Read(c.buf)
	if errors.Is(err, domain.ErrWouldBlock) {
		return nil, false, false
	}
	if err != nil {
		c.destroy(s.String()+" read failed", err)
		return nil, false, false
	}
	if n == 0 {
		return nil, true, true
	}
	c.r.touch(c)

	plain, err = c.pipe.inbound(s, c.buf[:n])
	if err != nil {
		c.destroy("decrypt failed", err)
		return nil, false, false
	}
	return plain, false, len(plain) > 0
}

func (c *Connection) assembleHead() {
	plain, eof, ok := c.recv(sideLocal)
	if eof {
		c.destroy("local closed before request", nil)
		return
	}
	if !ok {
		return
	}

	dest, rest, done, err := c.head.feed(plain)
	if err != nil {
		c.destroy("bad request", err)
		return
	}
	if !done {
		return
	}

	c.dest = dest
	c.upstream = rest
	c.target = c.role.DialTarget(dest)
	c.log.Info("Request", "conn", c.id, "from", c.localAddr, "dest", dest, "via", c.target)

	if c.target.IsHostname() {
		ip, ok := c.r.lookupStatic(c.target.Host)
		if !ok {
			c.startResolve()
			return
		}
		c.target = c.target.WithIP(ip)
	}
	c.startConnect()
}

func (c *Connection) startResolve() {
	c.transition(domain.StateWaitResolve)

	id, err := c.r.resolve(c.target.Host, c.resolved)
	if err != nil {
		c.destroy("resolve failed", err)
		return
	}
	c.queryID, c.resolving = id, true
}

func (c *Connection) resolved(ip netip.Addr, err error) {
	c.resolving = false
	if c.state != domain.StateWaitResolve {
		return
	}
	if err != nil {
		c.destroy("resolve failed", err)
		return
	}
	c.log.Debug("Resolved", "conn", c.id, "host", c.target.Host, "ip", ip)
	c.target = c.target.WithIP(ip)
	c.startConnect()
}

func (c *Connection) startConnect() {
	remote, err := c.r.dial(c.target.AddrPort())
	if err != nil {
		c.destroy("connect failed", fmt.Errorf("%w: %w", domain.ErrConnectFailure, err))
		return
	}
	c.remote = remote
	c.transition(domain.StateRemoteConnect)
}

// bufferLocal keeps local input that arrives before the remote side is
// ready.
func (c *Connection) bufferLocal() {
	plain, eof, ok := c.recv(sideLocal)
	if eof {
		c.destroy("local closed before remote was ready", nil)
		return
	}
	if !ok {
		return
	}

	c.upstream = append(c.upstream, plain...)
	if len(c.upstream) >= maxEarlyData && !c.localPaused {
		c.localPaused = true
		c.watch(c.local, 0)
	}
}

// finishConnect runs when the pending connect resolves. Writability alone
// is not success: the socket error must be clear and the first send must
// go through.
func (c *Connection) finishConnect() {
	if err := c.remote.ConnectError(); err != nil {
		c.destroy("connect failed", err)
		return
	}

	prelude := c.role.Prelude(c.dest, c.upstream)
	c.upstream = nil
	out, err := c.pipe.outbound(sideRemote, prelude)
	if err != nil {
		c.destroy("encrypt failed", err)
		return
	}
	if len(out) > 0 {
		if err := c.remote.WriteAll(out); err != nil {
			c.destroy("connect failed", fmt.Errorf("%w: first send: %w", domain.ErrConnectFailure, err))
			return
		}
	}

	if reply := c.role.LocalReply(); len(reply) > 0 {
		out, err := c.pipe.outbound(sideLocal, reply)
		if err != nil {
			c.destroy("encrypt failed", err)
			return
		}
		if err := c.local.WriteAll(out); err != nil {
			c.destroy("local write failed", err)
			return
		}
	}

	c.log.Info("Connected", "conn", c.id, "target", c.target)
	c.transition(domain.StateEstablished)
}

func (c *Connection) relayUpstream() { c.relay(sideLocal) }

func (c *Connection) relayDownstream() { c.relay(sideRemote) }

func (c *Connection) relay(from side) {
	plain, eof, ok := c.recv(from)
	if eof {
		c.halfClose(from)
		return
	}
	if !ok {
		return
	}

	to := from.peer()
	out, err := c.pipe.outbound(to, plain)
	if err != nil {
		c.destroy("encrypt failed", err)
		return
	}
	if err := c.socket(to).WriteAll(out); err != nil {
		c.destroy(to.String()+" write failed", err)
		return
	}
	c.stats.relayed(from, len(plain))
}

// halfClose handles EOF from one side: the peer's write half is shut so it
// sees EOF too, and the finished side is no longer watched. Once both sides
// have finished the connection is destroyed.
func (c *Connection) halfClose(from side) {
	if from == sideLocal {
		c.localClosed = true
	} else {
		c.remoteClosed = true
	}
	c.log.Debug("Half close", "conn", c.id, "side", from)

	if c.localClosed && c.remoteClosed {
		c.destroy("both sides closed", nil)
		return
	}
	if err := c.socket(from.peer()).CloseWrite(); err != nil {
		c.destroy("shutdown failed", err)
		return
	}
	c.watch(c.socket(from), 0)
}

// destroy releases everything the connection holds. Only the first call
// has any effect.
func (c *Connection) destroy(reason string, err error) {
	if c.state == domain.StateDestroyed {
		return
	}
	from := c.state
	c.state = domain.StateDestroyed

	if c.resolving {
		c.r.cancelResolve(c.queryID)
		c.resolving = false
	}
	for _, s := range []domain.Socket{c.local, c.remote} {
		if s == nil {
			continue
		}
		c.r.unwatch(s)
		if cerr := s.Close(); cerr != nil {
			c.log.Debug("Close failed", "conn", c.id, "fd", s.FD(), "error", cerr)
		}
	}
	c.upstream = nil
	c.r.release(c)

	if err != nil {
		c.log.Warn("Connection destroyed", "conn", c.id, "state", from, "reason", reason, "error", err)
		return
	}
	c.log.Info("Connection destroyed", "conn", c.id, "state", from, "reason", reason)
}
