package epoll

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/domain"
)

const maxEvents = 128

// LinuxEventLoop is a level-triggered epoll loop. Every method except Stop
// must be called from the goroutine running Run, or before Run starts.
type LinuxEventLoop struct {
	log     *slog.Logger
	epollFD int
	wakeFD  int
	tick    time.Duration
}

var _ domain.EventLoop = (*LinuxEventLoop)(nil)

type Option func(*LinuxEventLoop)

// WithTick makes Run wake at least once per interval and call Tick on
// handlers that implement domain.Ticker.
func WithTick(d time.Duration) Option {
	return func(l *LinuxEventLoop) { l.tick = d }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *LinuxEventLoop) { l.log = log }
}

func New(opts ...Option) (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	l := &LinuxEventLoop{log: slog.Default(), epollFD: fd, wakeFD: wfd}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.Register(wfd, domain.EventRead); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func toEpoll(events domain.EventType) uint32 {
	var mask uint32
	if events&domain.EventRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&domain.EventWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func fromEpoll(mask uint32) domain.EventType {
	var ev domain.EventType
	if mask&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ev |= domain.EventRead
	}
	if mask&unix.EPOLLOUT != 0 {
		ev |= domain.EventWrite
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= domain.EventError
	}
	return ev
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: toEpoll(events),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt)
}

// Unregister treats an fd that is not registered (or already closed) as done.
func (l *LinuxEventLoop) Unregister(fd int) error {
	err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Run dispatches readiness events until Stop is called. Handlers run one at
// a time on the calling goroutine.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	ticker, _ := handler.(domain.Ticker)
	timeout := -1
	if ticker != nil && l.tick > 0 {
		timeout = int(l.tick.Milliseconds())
	}
	lastTick := time.Now()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		n, err := unix.EpollWait(l.epollFD, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		stopped := false
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wakeFD {
				l.drainWake()
				stopped = true
				continue
			}

			if err := handler.HandleEvent(fd, fromEpoll(events[i].Events)); err != nil {
				l.log.Error("Error handling event", "fd", fd, "error", err)
			}
		}
		if stopped {
			return nil
		}

		if ticker != nil && l.tick > 0 {
			if now := time.Now(); now.Sub(lastTick) >= l.tick {
				lastTick = now
				ticker.Tick(now)
			}
		}
	}
}

func (l *LinuxEventLoop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFD, buf[:])
}

// Stop makes Run return after the current batch of events. It is safe to
// call from any goroutine.
func (l *LinuxEventLoop) Stop() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(l.wakeFD, buf[:])
}

// Close releases the epoll and wakeup descriptors. Run must have returned.
func (l *LinuxEventLoop) Close() error {
	err := unix.Close(l.epollFD)
	if cerr := unix.Close(l.wakeFD); err == nil {
		err = cerr
	}
	return err
}
