// Package idle bounds how long an inactive connection may hold its sockets.
package idle

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CloseFunc releases a value that went idle.
type CloseFunc func(key string, value any)

// Cache maps keys to values and evicts entries that have not been touched for
// longer than the timeout. Eviction only happens in Sweep; there is no
// background janitor, so the owner decides which goroutine pays for it.
type Cache struct {
	mu      sync.Mutex
	items   *gocache.Cache
	onClose CloseFunc

	sweeping bool
	evicted  []evictedEntry
}

type evictedEntry struct {
	key   string
	value any
}

func New(timeout time.Duration, onClose CloseFunc) *Cache {
	c := &Cache{
		items:   gocache.New(timeout, 0),
		onClose: onClose,
	}
	c.items.OnEvicted(c.collect)
	return c
}

// collect runs inside go-cache's Delete and DeleteExpired. Only sweeps count
// as evictions; explicit removal is the owner closing the value itself.
func (c *Cache) collect(key string, value any) {
	if c.sweeping {
		c.evicted = append(c.evicted, evictedEntry{key: key, value: value})
	}
}

func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Set(key, value, gocache.DefaultExpiration)
}

// Get returns the value for key and counts as an access.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items.Get(key)
	if ok {
		c.items.Set(key, v, gocache.DefaultExpiration)
	}
	return v, ok
}

// Touch refreshes key's last access time if it is present.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.items.Get(key); ok {
		c.items.Set(key, v, gocache.DefaultExpiration)
	}
}

// Remove drops key without calling the close callback.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Delete(key)
}

func (c *Cache) Len() int {
	return c.items.ItemCount()
}

// Sweep evicts every entry idle for longer than the timeout and returns how
// many keys were removed. The close callback runs once per distinct value,
// after the cache lock is released, so it may call back into the cache.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	c.sweeping = true
	c.items.DeleteExpired()
	c.sweeping = false
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	if c.onClose == nil {
		return len(evicted)
	}
	closed := make(map[any]struct{}, len(evicted))
	for _, e := range evicted {
		if _, done := closed[e.value]; done {
			continue
		}
		closed[e.value] = struct{}{}
		c.onClose(e.key, e.value)
	}
	return len(evicted)
}
