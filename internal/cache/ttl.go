package cache

import (
	"sync"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
)

// Cache is a process-local key/value store with per-entry expiry.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	// Update replaces the entry when fn returns true. fn sees the live
	// entry, or ok=false if there is none.
	Update(key K, ttl time.Duration, fn func(current V, ok bool) (V, bool))
	Delete(key K)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[K]entry[V]
}

// NewTTLCache returns an empty cache. A nil clock uses wall time.
func NewTTLCache[K comparable, V any](clk clock.Clock) *TTLCache[K, V] {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &TTLCache[K, V]{
		clock:   clk,
		entries: make(map[K]entry[V]),
	}
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *TTLCache[K, V]) Update(key K, ttl time.Duration, fn func(current V, ok bool) (V, bool)) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.liveLocked(key)
	next, replace := fn(current, ok)
	if !replace {
		return
	}
	c.entries[key] = entry[V]{value: next, expiresAt: c.clock.Now().Add(ttl)}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTLCache[K, V]) liveLocked(key K) (V, bool) {
	var zero V
	item, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.clock.Now().Before(item.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return item.value, true
}

var _ Cache[string, int] = (*TTLCache[string, int])(nil)
