package cache

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-authbridge/instrumentation"
)

const (
	// DefaultTTL keeps results just long enough to absorb a burst of requests
	DefaultTTL = 5 * time.Second

	// DefaultMaxEntries bounds the number of cached keys
	DefaultMaxEntries = 10000

	// DefaultLoadTimeout bounds a single upstream load
	DefaultLoadTimeout = 10 * time.Second
)

// Loader fetches the value for a key from upstream
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Config configures a Cache. Zero values select the defaults.
type Config struct {
	// Name labels logs and metrics
	Name string

	TTL         time.Duration
	MaxEntries  int
	LoadTimeout time.Duration

	Logger          *slog.Logger
	Clock           func() time.Time
	Instrumentation *instrumentation.Instrumentation
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// flight is one load in progress. Its id names the singleflight call, so two keys
// never share a load however they print. Invalidate marks it stale and detaches it
// from the key so its result is not stored and later callers start a fresh load.
type flight struct {
	id    string
	stale bool
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	name        string
	ttl         time.Duration
	maxEntries  int
	loadTimeout time.Duration
	load        Loader[K, V]

	mu      sync.Mutex
	entries map[K]*list.Element // value is *entry[K, V]
	order   *list.List          // front is the oldest stored entry
	pending map[K]*flight
	nextID  uint64

	group singleflight.Group

	now     func() time.Time
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
}

// New creates a cache backed by load
func New[K comparable, V any](cfg Config, load Loader[K, V]) *Cache[K, V] {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	c := &Cache[K, V]{
		name:        cfg.Name,
		ttl:         cfg.TTL,
		maxEntries:  cfg.MaxEntries,
		loadTimeout: cfg.LoadTimeout,
		load:        load,
		entries:     make(map[K]*list.Element),
		order:       list.New(),
		pending:     make(map[K]*flight),
		now:         cfg.Clock,
		logger:      cfg.Logger.With("cache", cfg.Name),
	}

	if inst := cfg.Instrumentation; inst != nil {
		c.metrics = inst.Metrics()
		c.tracer = inst.Tracer("cache")
		if err := inst.RegisterCacheSizeCallback(cfg.Name, func() int64 { return int64(c.Len()) }); err != nil {
			c.logger.Warn("Failed to register cache size callback", "error", err)
		}
	}
	return c
}

// Get returns the cached value for key, or loads it. Concurrent callers for the
// same key share one load. If ctx ends first, Get returns ctx.Err() and the load
// carries on for the remaining callers.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	v, f, ok := c.acquire(ctx, key)
	if ok {
		c.recordLookup(ctx, "hit")
		return v, nil
	}

	ch := c.group.DoChan(f.id, func() (any, error) {
		return c.fill(ctx, key, f)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.recordLookup(ctx, "shared")
		} else {
			c.recordLookup(ctx, "miss")
		}
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// acquire returns a live entry for key, or the flight to wait on. When no load is
// running for key a new flight is registered, all under one lock.
func (c *Cache[K, V]) acquire(ctx context.Context, key K) (V, *flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lookupLocked(ctx, key); ok {
		return v, nil, true
	}
	f, ok := c.pending[key]
	if !ok {
		c.nextID++
		f = &flight{id: strconv.FormatUint(c.nextID, 10)}
		c.pending[key] = f
	}
	var zero V
	return zero, f, false
}

// lookupLocked returns a live entry. An expired entry is removed.
func (c *Cache[K, V]) lookupLocked(ctx context.Context, key K) (V, bool) {
	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := elem.Value.(*entry[K, V])
	if c.now().Before(e.expiresAt) {
		return e.value, true
	}

	c.removeLocked(elem)
	c.recordEviction(ctx, "expired", 1)
	var zero V
	return zero, false
}

// fill runs inside the singleflight call for f.
func (c *Cache[K, V]) fill(ctx context.Context, key K, f *flight) (any, error) {
	c.mu.Lock()
	// f may have finished between acquire and DoChan, in which case this is a
	// second call under the same id.
	if v, ok := c.lookupLocked(ctx, key); ok {
		c.mu.Unlock()
		return v, nil
	}
	if _, running := c.pending[key]; !running {
		f.stale = false
		c.pending[key] = f
	}
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
	defer cancel()

	var span trace.Span
	if c.tracer != nil {
		loadCtx, span = c.tracer.Start(loadCtx, "cache.load", trace.WithAttributes(
			attribute.String(instrumentation.AttrCacheName, c.name),
		))
		defer span.End()
	}

	v, err := c.load(loadCtx, key)
	if c.metrics != nil {
		c.metrics.RecordCacheLoad(ctx, c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	owner := c.pending[key] == f
	if owner {
		delete(c.pending, key)
	}

	if err != nil {
		instrumentation.RecordError(span, err)
		c.logger.Debug("Load failed, not caching", "error", err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)

	if owner && !f.stale {
		c.storeLocked(ctx, key, v)
	}
	return v, nil
}

// storeLocked must be called with mu held.
func (c *Cache[K, V]) storeLocked(ctx context.Context, key K, v V) {
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}

	now := c.now()
	c.entries[key] = c.order.PushBack(&entry[K, V]{
		key:       key,
		value:     v,
		storedAt:  now,
		expiresAt: now.Add(c.ttl),
	})

	evicted := 0
	for len(c.entries) > c.maxEntries {
		c.removeLocked(c.order.Front())
		evicted++
	}
	if evicted > 0 {
		c.recordEviction(ctx, "capacity", evicted)
	}
}

func (c *Cache[K, V]) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry[K, V])
	c.order.Remove(elem)
	delete(c.entries, e.key)
}

// Invalidate drops the entry for key. A load already running for key still
// answers the callers waiting on it, but its result is not stored and callers
// arriving after Invalidate start a new load.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
		c.recordEviction(context.Background(), "invalidated", 1)
	}
	if f, ok := c.pending[key]; ok {
		f.stale = true
		delete(c.pending, key)
	}
}

// CleanupExpired removes every expired entry and returns how many were removed
func (c *Cache[K, V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if !now.Before(elem.Value.(*entry[K, V]).expiresAt) {
			c.removeLocked(elem)
			removed++
		}
		elem = next
	}
	c.recordEviction(context.Background(), "expired", removed)
	return removed
}

// Len returns the number of stored entries, expired ones included
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Name returns the configured cache name
func (c *Cache[K, V]) Name() string {
	return c.name
}

func (c *Cache[K, V]) recordLookup(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(ctx, c.name, result)
	}
}

func (c *Cache[K, V]) recordEviction(ctx context.Context, reason string, n int) {
	if c.metrics != nil {
		c.metrics.RecordCacheEviction(ctx, c.name, reason, n)
	}
}
