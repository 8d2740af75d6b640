package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a concurrency-safe map whose entries expire after a TTL.
// Expired entries are dropped lazily on access and by a background sweep.
type Cache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	items map[K]item[V]

	// loads dedups concurrent GetOrLoad calls for the same key.
	loadMu sync.Mutex
	loads  map[K]*load[V]

	stopOnce sync.Once
	stop     chan struct{}
}

type load[V any] struct {
	done  chan struct{}
	value V
	err   error
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return newCache[K, V](ttl, time.Now)
}

func newCache[K comparable, V any](ttl time.Duration, now func() time.Time) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:   ttl,
		now:   now,
		items: make(map[K]item[V]),
		loads: make(map[K]*load[V]),
		stop:  make(chan struct{}),
	}
	go c.sweep(max(ttl, time.Second))
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrLoad returns the cached value for key or calls fn to fill it.
// Concurrent callers for a missing key share one fn call. Errors are not
// cached.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.loadMu.Lock()
	if l, ok := c.loads[key]; ok {
		c.loadMu.Unlock()
		select {
		case <-l.done:
			return l.value, l.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
	l := &load[V]{done: make(chan struct{})}
	c.loads[key] = l
	c.loadMu.Unlock()

	l.value, l.err = fn(ctx)
	if l.err == nil {
		c.Set(key, l.value)
	}

	c.loadMu.Lock()
	delete(c.loads, key)
	c.loadMu.Unlock()
	close(l.done)

	return l.value, l.err
}

func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Cache[K, V]) removeExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[K, V]) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stop:
			return
		}
	}
}

// Stop ends the background sweep. The cache stays usable.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
