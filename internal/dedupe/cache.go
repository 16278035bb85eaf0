// ABOUTME: Generic thread-safe TTL cache of recently finished keys
// ABOUTME: The tunnel proxy uses it to recognize late chunks for completed or abandoned requests

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// maxSweepInterval bounds how often expired entries are swept.
const maxSweepInterval = time.Minute

type entry[K comparable] struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers keys for ttl, holding at most maxSize of them. When full,
// remembering a new key evicts the oldest one.
type Cache[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry[K]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to
// stop it.
func New[K comparable](ttl time.Duration, maxSize int) *Cache[K] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[K]{
		entries: make(map[K]*entry[K]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Seen reports whether key was remembered and has not expired.
func (c *Cache[K]) Seen(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Remember records key, refreshing its expiry if already present.
func (c *Cache[K]) Remember(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rememberLocked(key)
}

// Len returns the number of stored keys, expired ones included until the
// next sweep.
func (c *Cache[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache[K]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache[K]) liveLocked(key K) bool {
	e, ok := c.entries[key]
	return ok && c.now().Sub(e.at) < c.ttl
}

func (c *Cache[K]) rememberLocked(key K) {
	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.at = now
		c.order.MoveToBack(e.elem)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(K)
			c.order.Remove(front)
			delete(c.entries, oldest)
		}
	}

	c.entries[key] = &entry[K]{at: now, elem: c.order.PushBack(key)}
}

func (c *Cache[K]) sweepLoop() {
	interval := c.ttl
	if interval <= 0 || interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired entries. The list is in refresh order, so it stops
// at the first live entry.
func (c *Cache[K]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(K)
		if now.Sub(c.entries[key].at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}
