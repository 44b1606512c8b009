package webcache

import (
	"sync"
	"time"
)

// defaultMaxEntries caps the cache defensively. TTL is the real bound; the
// cap only protects against a runaway caller that never lets entries expire.
const defaultMaxEntries = 4096

type entry struct {
	value     any
	expiresAt time.Time
	setAt     time.Time
}

// Cache is a process-wide, content-addressed TTL cache shared across the
// sibling threads of a task. Keys are caller-constructed (operation kind +
// normalized parameters); the cache itself has no notion of task boundaries.
// Writes are last-write-wins per key.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

func New() *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: defaultMaxEntries,
		now:        time.Now,
	}
}

// Get returns the cached value for key. Expiry is checked lazily; an entry
// is a miss from the instant its ttl has elapsed and is evicted then.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. A non-positive ttl is treated as an
// immediate expiry, i.e. the entry is never observable.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.sweepLocked(now)
	}
	c.entries[key] = entry{
		value:     value,
		expiresAt: now.Add(ttl),
		setAt:     now,
	}
}

// Len reports live (non-expired) entries.
func (c *Cache) Len() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// sweepLocked drops expired entries, then oldest live ones if the cache is
// still over capacity.
func (c *Cache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	for len(c.entries) >= c.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.setAt.Before(oldest) {
				oldestKey = k
				oldest = e.setAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(c.entries, oldestKey)
	}
}
