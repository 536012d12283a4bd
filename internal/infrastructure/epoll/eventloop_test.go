package epoll_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"shadow-tunnel/internal/domain"
	"shadow-tunnel/internal/infrastructure/epoll"
)

type recordingHandler struct {
	loop   *epoll.LinuxEventLoop
	events map[int]domain.EventType
	ticks  int
	stopAt int
}

func (h *recordingHandler) HandleEvent(fd int, ev domain.EventType) error {
	h.events[fd] |= ev
	if len(h.events) >= h.stopAt {
		h.loop.Stop()
	}
	return nil
}

func (h *recordingHandler) Tick(time.Time) {
	h.ticks++
	if h.ticks == 2 {
		h.loop.Stop()
	}
}

func socketPair(t *testing.T) [2]int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds
}

func TestRunDispatchesReadiness(t *testing.T) {
	t.Parallel()

	loop, err := epoll.New()
	require.NoError(t, err)
	defer loop.Close()

	fds := socketPair(t)
	require.NoError(t, loop.Register(fds[0], domain.EventRead))
	require.NoError(t, loop.Register(fds[1], domain.EventWrite))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	h := &recordingHandler{loop: loop, events: map[int]domain.EventType{}, stopAt: 2}
	require.NoError(t, loop.Run(h))

	assert.NotZero(t, h.events[fds[0]]&domain.EventRead)
	assert.NotZero(t, h.events[fds[1]]&domain.EventWrite)
}

func TestPeerCloseReportsRead(t *testing.T) {
	t.Parallel()

	loop, err := epoll.New()
	require.NoError(t, err)
	defer loop.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	require.NoError(t, loop.Register(fds[0], domain.EventRead))
	unix.Close(fds[1])

	h := &recordingHandler{loop: loop, events: map[int]domain.EventType{}, stopAt: 1}
	require.NoError(t, loop.Run(h))
	assert.NotZero(t, h.events[fds[0]]&domain.EventRead)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()

	loop, err := epoll.New()
	require.NoError(t, err)
	defer loop.Close()

	fds := socketPair(t)
	require.NoError(t, loop.Register(fds[0], domain.EventRead))
	require.NoError(t, loop.Modify(fds[0], domain.EventRead|domain.EventWrite))
	require.NoError(t, loop.Unregister(fds[0]))
	require.NoError(t, loop.Unregister(fds[0]))
	require.NoError(t, loop.Unregister(fds[1]))
}

func TestStopFromAnotherGoroutine(t *testing.T) {
	t.Parallel()

	loop, err := epoll.New()
	require.NoError(t, err)
	defer loop.Close()

	done := make(chan error, 1)
	go func() {
		done <- loop.Run(&recordingHandler{loop: loop, events: map[int]domain.EventType{}, stopAt: 1 << 30})
	}()

	loop.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestTick(t *testing.T) {
	t.Parallel()

	loop, err := epoll.New(epoll.WithTick(10 * time.Millisecond))
	require.NoError(t, err)
	defer loop.Close()

	h := &recordingHandler{loop: loop, events: map[int]domain.EventType{}, stopAt: 1 << 30}
	require.NoError(t, loop.Run(h))
	assert.Equal(t, 2, h.ticks)
}
