package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// InMemoryCache is the process-local cache used as the Store fallback.
// It satisfies the Cache interface and can also serve as the only backend
// when no distributed cache is configured.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// sweepInterval is how often expired entries are dropped from memory.
const sweepInterval = 30 * time.Second

// NewInMemoryCache creates a new in-memory cache with periodic eviction.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go c.evictLoop()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(c.now()) {
		return nil, ErrNotFound
	}
	// Return a copy to prevent mutation
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.entries[key] = &memEntry{value: cp, expiresAt: c.expiry(ttl)}
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *InMemoryCache) DeletePattern(_ context.Context, pattern string) (int, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	now := c.now()
	for key, entry := range c.entries {
		if !g.Match(key) {
			continue
		}
		if !entry.expired(now) {
			removed++
		}
		delete(c.entries, key)
	}
	return removed, nil
}

func (c *InMemoryCache) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed
	}
	entry, ok := c.entries[key]
	if !ok || entry.expired(c.now()) {
		c.entries[key] = &memEntry{value: []byte("1"), expiresAt: c.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(entry.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: value at %q is not an integer", key)
	}
	n++
	entry.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return ok && !entry.expired(c.now()), nil
}

func (c *InMemoryCache) Count(_ context.Context, pattern string) (int, error) {
	g, err := compilePattern(pattern)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	now := c.now()
	for key, entry := range c.entries {
		if !entry.expired(now) && g.Match(key) {
			n++
		}
	}
	return n, nil
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.entries = make(map[string]*memEntry)
	close(c.stop)
	return nil
}

func (c *InMemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *InMemoryCache) evictLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *InMemoryCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

var errClosed = fmt.Errorf("cache: in-memory cache closed")

// compilePattern turns a Redis MATCH pattern into a matcher with the same
// semantics. Redis negates classes with [^...] and treats braces literally.
func compilePattern(pattern string) (glob.Glob, error) {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch {
		case ch == '\\' && i+1 < len(pattern):
			b.WriteByte(ch)
			b.WriteByte(pattern[i+1])
			i++
		case ch == '[' && i+1 < len(pattern) && pattern[i+1] == '^':
			b.WriteString("[!")
			i++
		case ch == '{' || ch == '}' || ch == ',':
			b.WriteByte('\\')
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	g, err := glob.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("cache: invalid pattern %q: %w", pattern, err)
	}
	return g, nil
}
