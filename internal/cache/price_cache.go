package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// PriceCache stores historical closing prices keyed by topic and date.
// Past closes never change, so entries only expire to bound memory.
type PriceCache interface {
	Get(ctx context.Context, topic, date string) (float64, bool)
	Set(ctx context.Context, topic, date string, price float64)
	Stats() PriceCacheStats
}

// PriceCacheStats tracks cache performance metrics
type PriceCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Sets   int64 `json:"sets"`
}

type counters struct {
	hits, misses, sets atomic.Int64
}

func (c *counters) snapshot() PriceCacheStats {
	return PriceCacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Sets: c.sets.Load()}
}

// RedisPriceCache implements PriceCache using Redis
type RedisPriceCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
	stats  counters
}

// NewRedisPriceCache creates a new Redis-based price cache
func NewRedisPriceCache(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) *RedisPriceCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisPriceCache{client: client, ttl: ttl, prefix: "price:", logger: logger}
}

func (c *RedisPriceCache) key(topic, date string) string {
	return c.prefix + topic + ":" + date
}

// Get returns the cached price. Redis errors count as misses.
func (c *RedisPriceCache) Get(ctx context.Context, topic, date string) (float64, bool) {
	raw, err := c.client.Get(ctx, c.key(topic, date)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithFields(logrus.Fields{"topic": topic, "date": date}).
				WithError(err).Warn("Price cache read failed")
		}
		c.stats.misses.Add(1)
		return 0, false
	}
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.stats.misses.Add(1)
		return 0, false
	}
	c.stats.hits.Add(1)
	return price, true
}

// Set caches price. Failures are logged, never returned.
func (c *RedisPriceCache) Set(ctx context.Context, topic, date string, price float64) {
	value := strconv.FormatFloat(price, 'f', -1, 64)
	if err := c.client.Set(ctx, c.key(topic, date), value, c.ttl).Err(); err != nil {
		c.logger.WithFields(logrus.Fields{"topic": topic, "date": date}).
			WithError(err).Warn("Price cache write failed")
		return
	}
	c.stats.sets.Add(1)
}

func (c *RedisPriceCache) Stats() PriceCacheStats {
	return c.stats.snapshot()
}

type priceEntry struct {
	price     float64
	expiresAt time.Time
}

// InMemoryPriceCache is a process-local PriceCache.
type InMemoryPriceCache struct {
	mu      sync.RWMutex
	entries map[string]priceEntry
	ttl     time.Duration
	now     func() time.Time
	stats   counters
}

// NewInMemoryPriceCache creates an empty cache. A non-positive ttl means
// entries never expire.
func NewInMemoryPriceCache(ttl time.Duration) *InMemoryPriceCache {
	return &InMemoryPriceCache{entries: make(map[string]priceEntry), ttl: ttl, now: time.Now}
}

func (c *InMemoryPriceCache) Get(_ context.Context, topic, date string) (float64, bool) {
	c.mu.RLock()
	e, ok := c.entries[topic+":"+date]
	c.mu.RUnlock()
	if !ok || (!e.expiresAt.IsZero() && c.now().After(e.expiresAt)) {
		c.stats.misses.Add(1)
		return 0, false
	}
	c.stats.hits.Add(1)
	return e.price, true
}

func (c *InMemoryPriceCache) Set(_ context.Context, topic, date string, price float64) {
	e := priceEntry{price: price}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[topic+":"+date] = e
	c.mu.Unlock()
	c.stats.sets.Add(1)
}

func (c *InMemoryPriceCache) Stats() PriceCacheStats {
	return c.stats.snapshot()
}
