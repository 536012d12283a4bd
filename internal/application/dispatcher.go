package application

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/cryptor"
	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/idle"
	"shadow-tunnel/internal/infrastructure/dns"
	"shadow-tunnel/internal/infrastructure/network"
)

const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultSweepInterval = time.Second
	DefaultDialTimeout   = 10 * time.Second

	// A failed accept is retried after minAcceptBackoff, doubling up to
	// maxAcceptBackoff while the failures persist.
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configure a tunnel service in either scheduling model.
type Options struct {
	Listen      netip.AddrPort
	Method      string
	Password    string
	IdleTimeout time.Duration
	// SweepInterval is how often idle connections are looked for. The
	// reactor model sweeps on the loop's tick instead.
	SweepInterval time.Duration
	// DNSServer answers hostname lookups. Zero means the system resolver
	// configuration.
	DNSServer netip.AddrPort
	// HostsFile is consulted before any DNS query. Empty means /etc/hosts.
	HostsFile string
	// ResolveTimeout bounds each DNS question.
	ResolveTimeout time.Duration
	DialTimeout    time.Duration
}

func (o *Options) setDefaults() error {
	if _, err := cryptor.PickMethod(o.Method); err != nil {
		return err
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = dns.DefaultQueryTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if !o.DNSServer.IsValid() {
		o.DNSServer = dns.DefaultServer()
	}
	return nil
}

// Dispatcher runs every connection of one service on a single event loop
// goroutine. It owns the listening socket, the DNS socket and the registry
// that maps descriptors to connections.
type Dispatcher struct {
	log      *slog.Logger
	loop     domain.EventLoop
	role     Role
	opts     Options
	resolver domain.DNSResolver
	hosts    *dns.Hosts
	idle     *idle.Cache
	stats    Stats

	listenerFD    int
	acceptPaused  bool
	acceptResume  time.Time
	acceptBackoff time.Duration
	nextID     uint64
	conns      map[int]*Connection
	interest   map[int]domain.EventType
	live       map[uint64]*Connection
}

var (
	_ domain.EventHandler = (*Dispatcher)(nil)
	_ domain.Ticker       = (*Dispatcher)(nil)
	_ reactor             = (*Dispatcher)(nil)
)

func NewDispatcher(loop domain.EventLoop, log *slog.Logger, role Role, opts Options) (*Dispatcher, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	lfd, err := network.ListenTCP(opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	resolver, err := dns.NewResolver(opts.DNSServer, log)
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}
	resolver.Timeout = opts.ResolveTimeout

	d := &Dispatcher{
		log:        log,
		loop:       loop,
		role:       role,
		opts:       opts,
		resolver:   resolver,
		hosts:      dns.NewHosts(opts.HostsFile),
		listenerFD: lfd,
		conns:      make(map[int]*Connection),
		interest:   make(map[int]domain.EventType),
		live:       make(map[uint64]*Connection),
	}
	d.idle = idle.New(opts.IdleTimeout, func(_ string, v any) {
		v.(*Connection).destroy("idle timeout", nil)
	})
	return d, nil
}

// Addr is the address the service accepts connections on.
func (d *Dispatcher) Addr() netip.AddrPort {
	ap, err := network.LocalAddr(d.listenerFD)
	if err != nil {
		return netip.AddrPort{}
	}
	return ap
}

func (d *Dispatcher) Stats() *Stats { return &d.stats }

// Start runs the event loop until Stop is called. Every live connection is
// destroyed before Start returns.
func (d *Dispatcher) Start() error {
	d.log.Info("Registering server sockets in EventLoop", "role", d.role.Name(), "listener_fd", d.listenerFD, "dns_fd", d.resolver.FD())

	if err := d.loop.Register(d.listenerFD, domain.EventRead); err != nil {
		d.close()
		return err
	}
	if err := d.loop.Register(d.resolver.FD(), domain.EventRead); err != nil {
		d.close()
		return err
	}

	d.log.Info("Tunnel is running loop...", "addr", d.Addr())
	err := d.loop.Run(d)
	d.shutdown()
	return err
}

// Stop asks the loop to exit. It may be called from any goroutine.
func (d *Dispatcher) Stop() {
	d.loop.Stop()
}

func (d *Dispatcher) shutdown() {
	for _, c := range d.live {
		c.destroy("shutdown", nil)
	}
	d.log.Info("Tunnel stopped", d.stats.logArgs()...)
	d.close()
}

func (d *Dispatcher) close() {
	if !d.acceptPaused {
		_ = d.loop.Unregister(d.listenerFD)
	}
	_ = d.loop.Unregister(d.resolver.FD())
	unix.Close(d.listenerFD)
	d.resolver.Close()
}

func (d *Dispatcher) HandleEvent(fd int, event domain.EventType) error {
	switch fd {
	case d.listenerFD:
		return d.acceptNewClients()
	case d.resolver.FD():
		d.resolver.HandleReadable()
		return nil
	}

	c := d.conns[fd]
	if c == nil {
		return nil
	}
	if s, ok := c.sideOf(fd); ok {
		c.handle(s, event)
	}
	return nil
}

// Tick runs the periodic work of the loop goroutine: idle sweeps, DNS
// timeouts and resuming a paused listener.
func (d *Dispatcher) Tick(now time.Time) {
	if n := d.idle.Sweep(); n > 0 {
		d.log.Debug("Idle sweep", "evicted", n)
	}
	if n := d.resolver.Expire(now); n > 0 {
		d.log.Debug("DNS queries timed out", "count", n)
	}
	if d.acceptPaused && !now.Before(d.acceptResume) {
		d.resumeAccept()
	}
}

// pauseAccept stops watching the listener after an accept error. The
// listener is level-triggered, so leaving it registered would spin the loop
// until a descriptor frees up.
func (d *Dispatcher) pauseAccept(err error) {
	if d.acceptBackoff == 0 {
		d.acceptBackoff = minAcceptBackoff
	} else {
		d.acceptBackoff = min(2*d.acceptBackoff, maxAcceptBackoff)
	}
	if uerr := d.loop.Unregister(d.listenerFD); uerr != nil {
		d.log.Error("Failed to pause listener", "error", uerr)
	}
	d.acceptPaused = true
	d.acceptResume = time.Now().Add(d.acceptBackoff)
	d.log.Warn("Accept failed; pausing", "error", err, "retry_in", d.acceptBackoff)
}

func (d *Dispatcher) resumeAccept() {
	if err := d.loop.Register(d.listenerFD, domain.EventRead); err != nil {
		d.log.Error("Failed to resume listener", "error", err)
		d.acceptResume = time.Now().Add(d.acceptBackoff)
		return
	}
	d.acceptPaused = false
	d.log.Info("Accepting again", "listener_fd", d.listenerFD)
}

func (d *Dispatcher) acceptNewClients() error {
	for {
		sock, peer, err := network.Accept(d.listenerFD)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return nil
			}
			if errors.Is(err, unix.ECONNABORTED) {
				continue
			}
			// EMFILE and friends: nothing to accept until a descriptor frees up.
			d.pauseAccept(err)
			return nil
		}
		d.acceptBackoff = 0

		crypt, err := cryptor.New(d.opts.Method, []byte(d.opts.Password))
		if err != nil {
			sock.Close()
			return err
		}

		d.nextID++
		c := newConnection(d.nextID, d, d.role, crypt, sock, peer, &d.stats, d.log)
		d.live[c.id] = c
		d.idle.Set(idleKey(c.id), c)
		d.stats.opened()

		d.log.Debug("New client accepted", "conn", c.id, "fd", sock.FD(), "ip", peer)
		c.Start()
	}
}

func idleKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (d *Dispatcher) watch(c *Connection, s domain.Socket, events domain.EventType) error {
	fd := s.FD()
	d.conns[fd] = c

	cur, registered := d.interest[fd]
	switch {
	case events == 0:
		if registered {
			delete(d.interest, fd)
			return d.loop.Unregister(fd)
		}
		return nil
	case !registered:
		d.interest[fd] = events
		return d.loop.Register(fd, events)
	case cur != events:
		d.interest[fd] = events
		return d.loop.Modify(fd, events)
	}
	return nil
}

func (d *Dispatcher) unwatch(s domain.Socket) {
	fd := s.FD()
	if _, registered := d.interest[fd]; registered {
		_ = d.loop.Unregister(fd)
		delete(d.interest, fd)
	}
	delete(d.conns, fd)
}

func (d *Dispatcher) dial(addr netip.AddrPort) (domain.Socket, error) {
	sock, err := network.DialTCP(addr)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

func (d *Dispatcher) resolve(host string, done func(netip.Addr, error)) (uint16, error) {
	return d.resolver.Query(host, done)
}

func (d *Dispatcher) lookupStatic(host string) (netip.Addr, bool) {
	return d.hosts.LookupStatic(host)
}

func (d *Dispatcher) cancelResolve(id uint16) {
	d.resolver.Cancel(id)
}

func (d *Dispatcher) touch(c *Connection) {
	d.idle.Touch(idleKey(c.id))
}

func (d *Dispatcher) release(c *Connection) {
	d.idle.Remove(idleKey(c.id))
	delete(d.live, c.id)
	d.stats.closed()
}
