// Package cache is an advisory read-through cache over Redis. Postgres is
// the source of truth; every path here degrades to a miss, so a missing or
// unreachable Redis never fails a request.
//
// Invalidation runs after the underlying write commits. A reader can
// repopulate a key in the gap between commit and invalidation; that stale
// entry self-corrects when its TTL expires. Bounded staleness, not a
// correctness violation.
package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"patternhub/api_credits/pkg/logging"
)

const (
	// opTimeout caps each Redis round trip so a slow store cannot hold a
	// request hostage longer than the latency it was meant to save.
	opTimeout = 500 * time.Millisecond

	scanBatchSize = 100
)

// DefaultTTL applies when a caller passes a zero TTL
const DefaultTTL = 5 * time.Minute

// Cache wraps a Redis client. A nil client is valid and turns every
// operation into a no-op or a miss.
type Cache struct {
	client  goredis.UniversalClient
	logger  logging.Logger
	group   singleflight.Group
	lookups *prometheus.CounterVec
}

// New creates a cache. Pass a nil client to run without Redis.
func New(client goredis.UniversalClient, logger logging.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// WithLookupCounter records hit/miss outcomes on the given counter, which
// must carry a single "outcome" label.
func (c *Cache) WithLookupCounter(counter *prometheus.CounterVec) *Cache {
	c.lookups = counter
	return c
}

func (c *Cache) recordLookup(hit bool) {
	if c.lookups == nil {
		return
	}
	if hit {
		c.lookups.WithLabelValues("hit").Inc()
	} else {
		c.lookups.WithLabelValues("miss").Inc()
	}
}

// Enabled reports whether a Redis client is configured
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Get fetches a cached value. Any failure, including Redis being down,
// reports a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.client == nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.logger.WithError(err).WithField("key", key).Debug("Cache get failed")
		}
		c.recordLookup(false)
		return nil, false
	}
	c.recordLookup(true)
	return val, true
}

// Set stores a value with the given TTL. Failures are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.client == nil {
		return
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Cache set failed")
	}
}

// Del removes a single key. Failures are logged and swallowed.
func (c *Cache) Del(ctx context.Context, key string) {
	if c.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Cache delete failed")
	}
}

// InvalidatePattern removes every key matching the glob pattern using a
// cursor SCAN with batched deletes, never KEYS. Returns the number of keys
// removed; failures stop the walk and are swallowed since stale advisory
// entries expire on their own TTL anyway.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) int {
	if c.client == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var removed int
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			c.logger.WithError(err).WithField("pattern", pattern).Warn("Cache invalidation scan failed")
			return removed
		}

		if len(keys) > 0 {
			deleted, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				c.logger.WithError(err).WithField("pattern", pattern).Warn("Cache invalidation delete failed")
				return removed
			}
			removed += int(deleted)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		c.logger.WithFields(logging.Fields{
			"pattern": pattern,
			"removed": removed,
		}).Debug("Invalidated cache keys")
	}
	return removed
}

// GetOrLoad returns the cached value for key or, on a miss, runs load and
// caches its result. Concurrent misses for the same key are collapsed into
// one load call. A load error is returned as-is and nothing is cached.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if val, ok := c.Get(ctx, key); ok {
		return val, nil
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have populated the key while we waited.
		if val, ok := c.Get(ctx, key); ok {
			return val, nil
		}

		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(ctx, key, data, ttl)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]byte), nil
}
