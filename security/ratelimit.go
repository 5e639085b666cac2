package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxLimiters bounds the number of identifiers tracked at once
	DefaultMaxLimiters = 10000

	defaultSweepInterval = 5 * time.Minute
	defaultIdleTimeout   = 30 * time.Minute
)

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per identifier.
// The least recently seen identifier is dropped once MaxLimiters is reached.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front is most recently seen

	limit      rate.Limit
	burst      int
	maxBuckets int
	idle       time.Duration

	now    func() time.Time
	logger *slog.Logger
	stop   chan struct{}
	once   sync.Once

	evictions int64
	sweeps    int64
}

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int

	// MaxLimiters caps tracked identifiers (default 10000, negative means unlimited)
	MaxLimiters int

	// IdleTimeout is how long an identifier may go unseen before the sweep drops it (default 30m)
	IdleTimeout time.Duration

	// SweepInterval is the period of the background sweep (default 5m, negative disables it)
	SweepInterval time.Duration

	// Clock overrides time.Now, mainly for tests
	Clock func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given burst per identifier.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: float64(requestsPerSecond),
		Burst:             burst,
	}, logger)
}

// NewRateLimiterWithConfig creates a limiter from an explicit configuration
func NewRateLimiterWithConfig(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLimiters == 0 {
		cfg.MaxLimiters = DefaultMaxLimiters
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	rl := &RateLimiter{
		buckets:    make(map[string]*list.Element),
		order:      list.New(),
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		maxBuckets: cfg.MaxLimiters,
		idle:       cfg.IdleTimeout,
		now:        cfg.Clock,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go rl.sweepLoop(cfg.SweepInterval)
	}
	return rl
}

// Allow reports whether one more request from identifier fits in its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.order.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.limiter.AllowN(now, 1)
	}

	if rl.maxBuckets > 0 && len(rl.buckets) >= rl.maxBuckets {
		rl.evictOldest()
	}

	b := &bucket{
		key:      identifier,
		limiter:  rate.NewLimiter(rl.limit, rl.burst),
		lastSeen: now,
	}
	rl.buckets[identifier] = rl.order.PushFront(b)
	return b.limiter.AllowN(now, 1)
}

// evictOldest must be called with mu held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.order.Back()
	if elem == nil {
		return
	}
	b := elem.Value.(*bucket)
	rl.order.Remove(elem)
	delete(rl.buckets, b.key)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted identifier",
		"tracked", len(rl.buckets),
		"evictions", rl.evictions)
}

func (rl *RateLimiter) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Sweep()
		case <-rl.stop:
			return
		}
	}
}

// Sweep drops identifiers that have not been seen for longer than the idle timeout
// and returns how many were dropped.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	removed := 0

	// Back of the list holds the stalest buckets.
	for elem := rl.order.Back(); elem != nil; {
		b := elem.Value.(*bucket)
		if !b.lastSeen.Before(cutoff) {
			break
		}
		prev := elem.Prev()
		rl.order.Remove(elem)
		delete(rl.buckets, b.key)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.sweeps++
		rl.logger.Debug("Rate limiter sweep completed",
			"removed", removed,
			"remaining", len(rl.buckets))
	}
	return removed
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Stats is a point-in-time view of a RateLimiter
type Stats struct {
	Tracked   int
	Max       int
	Evictions int64
	Sweeps    int64
}

// Stats returns current counters
func (rl *RateLimiter) Stats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return Stats{
		Tracked:   len(rl.buckets),
		Max:       rl.maxBuckets,
		Evictions: rl.evictions,
		Sweeps:    rl.sweeps,
	}
}
