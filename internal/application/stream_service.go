package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"shadow-tunnel/internal/cryptor"
	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/idle"
	"shadow-tunnel/internal/infrastructure/dns"
	"shadow-tunnel/internal/protocol"
)

// StreamService serves the tunnel with one goroutine per connection and a
// pair of relay goroutines once the connection is established.
type StreamService struct {
	log   *slog.Logger
	role  Role
	opts  Options
	ln    net.Listener
	hosts *dns.Hosts
	idle  *idle.Cache
	stats Stats

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

func NewStreamService(log *slog.Logger, role Role, opts Options) (*StreamService, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	listen := opts.Listen
	if !listen.Addr().IsValid() {
		listen = netip.AddrPortFrom(netip.IPv4Unspecified(), listen.Port())
	}
	ln, err := net.Listen("tcp", listen.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen tcp: %w", err)
	}

	return &StreamService{
		log:   log,
		role:  role,
		opts:  opts,
		ln:    ln,
		hosts: dns.NewHosts(opts.HostsFile),
		idle: idle.New(opts.IdleTimeout, func(_ string, v any) {
			v.(*streamConn).close()
		}),
	}, nil
}

func (s *StreamService) Addr() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(s.ln.Addr().String())
	return ap
}

func (s *StreamService) Stats() *Stats { return &s.stats }

// Serve accepts connections until ctx is done, then closes every open
// connection and waits for its goroutines.
func (s *StreamService) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitor(ctx)
	}()

	s.log.Info("Tunnel is accepting connections", "role", s.role.Name(), "addr", s.Addr())

	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Running out of descriptors or an aborted handshake must not
			// stop the service; retry the way net/http does.
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(2*backoff, maxAcceptBackoff)
			}
			s.log.Warn("Accept failed; retrying", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		id := s.nextID.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, id, conn)
		}()
	}

	cancel()
	s.wg.Wait()
	s.log.Info("Tunnel stopped", s.stats.logArgs()...)
	return nil
}

func (s *StreamService) janitor(ctx context.Context) {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.idle.Sweep(); n > 0 {
				s.log.Debug("Idle sweep", "evicted", n)
			}
		}
	}
}

// streamConn tracks the sockets of one connection so that cancellation
// from any goroutine can close them.
type streamConn struct {
	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func (e *streamConn) add(c net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		c.Close()
		return
	}
	e.conns = append(e.conns, c)
}

func (e *streamConn) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, c := range e.conns {
		c.Close()
	}
}

func (s *StreamService) serveConn(ctx context.Context, id uint64, local net.Conn) {
	log := s.log.With("conn", id)
	key := idleKey(id)

	entry := &streamConn{}
	entry.add(local)
	defer entry.close()

	s.stats.opened()
	defer s.stats.closed()

	s.idle.Set(key, entry)
	defer s.idle.Remove(key)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, entry.close)
	defer stop()

	crypt, err := cryptor.New(s.opts.Method, []byte(s.opts.Password))
	if err != nil {
		log.Error("Cipher setup failed", "error", err)
		return
	}
	pipe := newCipherPipe(s.role, crypt)

	dest, rest, err := s.readHead(local, pipe, key)
	if err != nil {
		log.Warn("Connection destroyed", "state", domain.StateInit, "reason", "bad request", "error", err)
		return
	}

	target := s.role.DialTarget(dest)
	log.Info("Request", "from", local.RemoteAddr(), "dest", dest, "via", target)

	remote, err := s.connect(ctx, target)
	if err != nil {
		log.Warn("Connection destroyed", "state", domain.StateRemoteConnect, "reason", "connect failed", "error", err)
		return
	}
	entry.add(remote)

	if err := s.sendPrelude(local, remote, pipe, dest, rest); err != nil {
		log.Warn("Connection destroyed", "state", domain.StateRemoteConnect, "reason", "connect failed", "error", err)
		return
	}
	log.Info("Connected", "target", target)

	g, gctx := errgroup.WithContext(ctx)
	context.AfterFunc(gctx, entry.close)
	g.Go(func() error { return s.relay(pipe, sideLocal, local, remote, key) })
	g.Go(func() error { return s.relay(pipe, sideRemote, remote, local, key) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Warn("Connection destroyed", "state", domain.StateEstablished, "reason", "relay failed", "error", err)
		return
	}
	log.Info("Connection destroyed", "state", domain.StateEstablished, "reason", "both sides closed")
}

func (s *StreamService) readHead(local net.Conn, pipe *cipherPipe, key string) (protocol.Address, []byte, error) {
	head := headAssembler{role: s.role}
	buf := make([]byte, domain.RelayChunkSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			s.idle.Touch(key)
			plain, perr := pipe.inbound(sideLocal, buf[:n])
			if perr != nil {
				return protocol.Address{}, nil, perr
			}
			dest, rest, done, herr := head.feed(plain)
			if herr != nil {
				return protocol.Address{}, nil, herr
			}
			if done {
				return dest, rest, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return protocol.Address{}, nil, errors.New("local closed before request")
		}
		if err != nil {
			return protocol.Address{}, nil, err
		}
	}
}

func (s *StreamService) connect(ctx context.Context, target protocol.Address) (net.Conn, error) {
	if target.IsHostname() {
		ip, ok := s.hosts.LookupStatic(target.Host)
		if !ok {
			lctx, cancel := context.WithTimeout(ctx, s.opts.ResolveTimeout)
			defer cancel()
			var err error
			if ip, err = dns.Lookup(lctx, s.opts.DNSServer, target.Host); err != nil {
				return nil, err
			}
		}
		target = target.WithIP(ip)
	}

	d := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", target.AddrPort().String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectFailure, err)
	}
	return conn, nil
}

func (s *StreamService) sendPrelude(local, remote net.Conn, pipe *cipherPipe, dest protocol.Address, rest []byte) error {
	out, err := pipe.outbound(sideRemote, s.role.Prelude(dest, rest))
	if err != nil {
		return err
	}
	if len(out) > 0 {
		if _, err := remote.Write(out); err != nil {
			return fmt.Errorf("%w: first send: %w", domain.ErrConnectFailure, err)
		}
	}

	if reply := s.role.LocalReply(); len(reply) > 0 {
		out, err := pipe.outbound(sideLocal, reply)
		if err != nil {
			return err
		}
		if _, err := local.Write(out); err != nil {
			return err
		}
	}
	return nil
}

// relay copies one direction until src reaches EOF, then shuts the write
// half of dst so the other end sees EOF as well.
func (s *StreamService) relay(pipe *cipherPipe, from side, src, dst net.Conn, key string) error {
	buf := make([]byte, domain.RelayChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			s.idle.Touch(key)
			plain, perr := pipe.inbound(from, buf[:n])
			if perr != nil {
				return perr
			}
			out, perr := pipe.outbound(from.peer(), plain)
			if perr != nil {
				return perr
			}
			if len(out) > 0 {
				if _, werr := dst.Write(out); werr != nil {
					return fmt.Errorf("%s write: %w", from.peer(), werr)
				}
			}
			s.stats.relayed(from, len(plain))
		}
		if errors.Is(err, io.EOF) {
			return closeWrite(dst)
		}
		if err != nil {
			return fmt.Errorf("%s read: %w", from, err)
		}
	}
}

func closeWrite(c net.Conn) error {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

