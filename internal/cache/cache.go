package cache

import (
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// Cache memoizes computed values for a fixed TTL. Concurrent requests for
// the same key share one computation. Failed computations are not stored.
type Cache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	generation uint64

	ttl    time.Duration
	group  singleflight.Group
	now    func() time.Time
	logger *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a cache. A positive janitorInterval starts a goroutine that
// evicts expired entries until Close is called.
func New[V any](ttl, janitorInterval time.Duration, logger *logrus.Logger) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if janitorInterval > 0 {
		c.wg.Add(1)
		go c.janitor(janitorInterval)
	}
	return c
}

// Get returns a live entry for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrCompute returns the cached value for key or runs compute once for all
// concurrent callers asking for it. hit reports whether the value came from
// the cache.
func (c *Cache[V]) GetOrCompute(key string, compute func() (V, error)) (value V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	c.mu.RLock()
	gen := c.generation
	c.mu.RUnlock()

	// The generation keeps callers arriving after Invalidate from joining a
	// computation that started before it.
	flightKey := strconv.FormatUint(gen, 10) + ":" + key
	v, err, shared := c.group.Do(flightKey, func() (any, error) {
		// a flight that just finished may have stored it
		if cached, ok := c.Get(key); ok {
			return cached, nil
		}
		computed, err := compute()
		if err != nil {
			return computed, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.entries[key] = entry[V]{value: computed, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return computed, nil
	})
	if shared {
		c.logger.WithField("key", key).Debug("Joined in-flight computation")
	}
	if err != nil {
		var zero V
		return zero, false, err
	}
	value, _ = v.(V)
	return value, false, nil
}

// Invalidate drops every entry. Computations already in flight finish but
// their results are discarded.
func (c *Cache[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := len(c.entries)
	c.entries = make(map[string]entry[V])
	c.generation++

	c.logger.WithFields(logrus.Fields{
		"dropped":    dropped,
		"generation": c.generation,
	}).Info("Cache invalidated")
}

// Len counts stored entries, expired or not.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Cache[V]) janitor(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[V]) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	evicted := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		c.logger.WithField("evicted", evicted).Debug("Evicted expired cache entries")
	}
}
