package idle_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadow-tunnel/internal/idle"
)

type closeRecorder struct {
	mu     sync.Mutex
	closed []any
}

func (r *closeRecorder) close(_ string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, v)
}

func (r *closeRecorder) values() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.closed...)
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	t.Parallel()

	rec := &closeRecorder{}
	c := idle.New(50*time.Millisecond, rec.close)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Zero(t, c.Sweep())
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 1, c.Sweep())

	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, []any{1}, rec.values())
	assert.Zero(t, c.Len())
}

func TestAccessKeepsEntryAlive(t *testing.T) {
	t.Parallel()

	c := idle.New(200*time.Millisecond, nil)
	c.Set("a", 2)
	c.Set("b", 3)

	time.Sleep(120 * time.Millisecond)
	c.Touch("b")
	_, _ = c.Get("a")

	time.Sleep(120 * time.Millisecond)
	c.Sweep()
	assert.Equal(t, 2, c.Len())
	_, _ = c.Get("b")

	time.Sleep(120 * time.Millisecond)
	c.Sweep()

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSweepClosesSharedValueOnce(t *testing.T) {
	t.Parallel()

	type conn struct{ id int }
	shared := &conn{id: 7}

	rec := &closeRecorder{}
	c := idle.New(30*time.Millisecond, rec.close)
	// One connection tracked under both of its sockets.
	c.Set("local", shared)
	c.Set("remote", shared)
	c.Set("other", &conn{id: 8})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 3, c.Sweep())

	closed := rec.values()
	require.Len(t, closed, 2)
	assert.Contains(t, closed, any(shared))

	// Nothing left to close twice.
	assert.Zero(t, c.Sweep())
	assert.Len(t, rec.values(), 2)
}

func TestRemoveDoesNotClose(t *testing.T) {
	t.Parallel()

	rec := &closeRecorder{}
	c := idle.New(20*time.Millisecond, rec.close)
	c.Set("a", 1)
	c.Remove("a")
	c.Remove("a")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.Sweep())
	assert.Empty(t, rec.values())
}

func TestCloseCallbackMayReenter(t *testing.T) {
	t.Parallel()

	var c *idle.Cache
	c = idle.New(20*time.Millisecond, func(key string, _ any) {
		c.Remove(key)
		c.Set("replacement", 1)
	})
	c.Set("a", 1)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.Sweep())
	_, ok := c.Get("replacement")
	assert.True(t, ok)
}
