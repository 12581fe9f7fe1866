// ABOUTME: Thread-safe TTL cache of recently claimed keys
// ABOUTME: Lets the transport recognize a client retrying a send it already made

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key string
	at  time.Time
}

// Cache remembers claimed keys for a fixed window. Entries are kept in
// claim order, so expired entries are always at the front and are dropped
// lazily on each call. When full, the oldest entry is evicted.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // of *entry, oldest first
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that remembers keys for ttl, holding at most maxSize.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: max(maxSize, 1),
		now:     time.Now,
	}
}

// Claim marks key as seen. It returns true if the key is new (the caller
// owns it) and false if it was already claimed within the window.
// A duplicate claim does not extend the original window.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expireLocked(now)

	if _, ok := c.entries[key]; ok {
		return false
	}
	if c.order.Len() >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(&entry{key: key, at: now})
	return true
}

// Release forgets key so a failed operation can be claimed again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
}

// Len returns the number of unexpired keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.now())
	return c.order.Len()
}

// expireLocked drops entries older than the window. Must be called with mu held.
func (c *Cache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).at) < c.ttl {
			return
		}
		c.removeLocked(front)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(*entry).key)
}
