// Package cache provides a bounded-staleness, in-memory key/value cache shared
// by every upstream data source.
//
// Each Cache has a single TTL fixed at construction. A stored value is served
// only while now - createdAt < TTL; a stale entry is evicted on the read that
// observes it. There is no background sweeper and failures are never stored.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const shardCount = 64

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "defirisk",
	Subsystem: "cache",
	Name:      "requests_total",
	Help:      "Cache lookups by cache name and result (hit, miss, expired).",
}, []string{"cache", "result"})

func init() {
	prometheus.MustRegister(requestsTotal)
}

// entry is owned by the cache and never handed out by reference.
type entry[V any] struct {
	value     V
	createdAt time.Time
}

// shard guards a subset of keys. Operations on one key are serialized by
// the shard lock; keys in different shards never contend.
type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
}

// Cache is a TTL cache safe for concurrent use.
type Cache[V any] struct {
	name   string
	ttl    time.Duration
	now    func() time.Time
	clone  func(V) V
	shards [shardCount]shard[V]
	group  singleflight.Group
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock overrides the time source (tests).
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) {
		c.now = now
	}
}

// WithClone sets a copy function applied on every Put and Get so callers
// never share mutable state with the store.
func WithClone[V any](clone func(V) V) Option[V] {
	return func(c *Cache[V]) {
		c.clone = clone
	}
}

// New creates a cache whose entries expire ttl after they are written.
// name labels the cache in metrics and logs.
func New[V any](name string, ttl time.Duration, opts ...Option[V]) *Cache[V] {
	if ttl <= 0 {
		panic("cache: ttl must be positive")
	}
	c := &Cache[V]{
		name: name,
		ttl:  ttl,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]entry[V])
	}
	return c
}

// Name returns the cache's metrics label.
func (c *Cache[V]) Name() string { return c.name }

// TTL returns the freshness window.
func (c *Cache[V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if it is still fresh. A stale entry is
// evicted and reported absent.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, result := c.lookup(key)
	requestsTotal.WithLabelValues(c.name, result).Inc()
	if result != "hit" {
		var zero V
		return zero, false
	}
	return c.copy(v), true
}

// lookup reads key under its shard lock, evicting it when stale.
func (c *Cache[V]) lookup(key string) (V, string) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return e.value, "miss"
	}
	if c.now().Sub(e.createdAt) >= c.ttl {
		delete(s.entries, key)
		return e.value, "expired"
	}
	return e.value, "hit"
}

// Put stores value under key, replacing any previous entry.
func (c *Cache[V]) Put(key string, value V) {
	e := entry[V]{value: c.copy(value), createdAt: c.now()}
	s := c.shard(key)
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	s := c.shard(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Len reports the number of stored entries, fresh or not yet evicted.
func (c *Cache[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// GetOrLoad returns the fresh value for key, or calls load and stores its
// result. Concurrent misses on the same key share one load call. A load
// error is returned to every waiter and nothing is stored.
//
// The load keeps the caller's deadline but not its explicit cancellation, so
// one abandoned request cannot fail others waiting on the same key while a
// load that times out still never populates the cache. Each caller returns
// as soon as its own ctx is done.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithDeadline(loadCtx, deadline)
			defer cancel()
		}

		// Another flight may have filled the key while this one queued.
		if v, result := c.lookup(key); result == "hit" {
			return v, nil
		}
		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		return c.copy(res.Val.(V)), nil
	}
}

func (c *Cache[V]) copy(v V) V {
	if c.clone == nil {
		return v
	}
	return c.clone(v)
}

func (c *Cache[V]) shard(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}
