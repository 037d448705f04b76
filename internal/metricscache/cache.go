// Package metricscache is the read-through cache between the query API and
// the durable metric tiers. Cached responses live on the fast store under the
// cache: namespace so invalidation can be fired from any instance.
package metricscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
	"github.com/atelierhq/pulse/internal/faststore"
)

const cacheKeyPrefix = "cache:"

// TTLs maps range recency to cache lifetime. Ranges touching today serve
// stale-tolerant dashboards and expire fast; closed historical ranges are
// immutable until a backfill rewrites them, so they can live long.
type TTLs struct {
	Short  time.Duration // range touches today
	Medium time.Duration // range ends within the recent window
	Long   time.Duration // range is closed history
}

// recentWindow bounds the medium TTL band: ranges ending within this many
// days of now are still likely targets of late events and backfills.
const recentWindowDays = 30

// Cache fronts the durable MetricStore with fast-store entries. Concurrent
// misses on one key collapse into a single durable query.
type Cache struct {
	store   faststore.Store
	metrics storage.MetricStore
	ttls    TTLs

	flights singleflight.Group
	hits    atomic.Uint64
	misses  atomic.Uint64

	// now is injectable for tests.
	now func() time.Time
}

// New creates the cache layer.
func New(store faststore.Store, metricStore storage.MetricStore, ttls TTLs) *Cache {
	if store == nil {
		panic("metricscache: fast store is required")
	}
	if metricStore == nil {
		panic("metricscache: metric store is required")
	}
	return &Cache{
		store:   store,
		metrics: metricStore,
		ttls:    ttls,
		now:     time.Now,
	}
}

// Stats returns the lifetime hit and miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Daily resolves daily rows for one dimension and [from, to) through the cache.
func (c *Cache) Daily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error) {
	var rows []metrics.DailyMetric
	err := c.readThrough(ctx, metrics.TierDaily, dim, from, to, &rows, func(ctx context.Context) (interface{}, error) {
		return c.metrics.QueryDaily(ctx, dim, from, to)
	})
	return rows, err
}

// Weekly resolves weekly rows for one dimension and [from, to) through the cache.
func (c *Cache) Weekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error) {
	var rows []metrics.WeeklyMetric
	err := c.readThrough(ctx, metrics.TierWeekly, dim, from, to, &rows, func(ctx context.Context) (interface{}, error) {
		return c.metrics.QueryWeekly(ctx, dim, from, to)
	})
	return rows, err
}

// Monthly resolves monthly rows for one dimension and [from, to) through the cache.
func (c *Cache) Monthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error) {
	var rows []metrics.MonthlyMetric
	err := c.readThrough(ctx, metrics.TierMonthly, dim, from, to, &rows, func(ctx context.Context) (interface{}, error) {
		return c.metrics.QueryMonthly(ctx, dim, from, to)
	})
	return rows, err
}

// readThrough fills out (a pointer to a row slice) from the cache, falling
// back to the durable query on a miss. A fast-store read failure counts as a
// miss; a fast-store write failure only loses the caching, never the data.
func (c *Cache) readThrough(ctx context.Context, tier metrics.Tier, dim dimension.Key, from, to time.Time, out interface{}, query func(ctx context.Context) (interface{}, error)) error {
	key := Key(tier, dim, from, to)

	cached, err := c.store.Get(ctx, key)
	if err == nil {
		if unmarshalErr := json.Unmarshal([]byte(cached), out); unmarshalErr == nil {
			c.hits.Add(1)
			return nil
		}
		// Undecodable entry: drop it and fall through to the durable query.
		_ = c.store.Del(ctx, key)
	}
	c.misses.Add(1)

	encoded, err, _ := c.flights.Do(key, func() (interface{}, error) {
		rows, queryErr := query(ctx)
		if queryErr != nil {
			return nil, queryErr
		}
		payload, marshalErr := json.Marshal(rows)
		if marshalErr != nil {
			return nil, marshalErr
		}
		if setErr := c.store.Set(ctx, key, string(payload), c.ttlFor(to)); setErr != nil {
			slog.Warn("[MetricsCache] Cache write failed", "key", key, "error", setErr)
		}
		return string(payload), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(encoded.(string)), out)
}

// ttlFor picks the cache lifetime from the range's recency.
func (c *Cache) ttlFor(to time.Time) time.Duration {
	now := c.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch {
	case to.After(today):
		return c.ttls.Short
	case to.After(today.AddDate(0, 0, -recentWindowDays)):
		return c.ttls.Medium
	default:
		return c.ttls.Long
	}
}

// Key derives the deterministic cache key for one query shape.
func Key(tier metrics.Tier, dim dimension.Key, from, to time.Time) string {
	return fmt.Sprintf("%s%s:%s:%s:%s",
		cacheKeyPrefix, tier, dim.Encode(),
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
}

// InvalidateTier drops every cached response for one metric tier. This is
// the hook the aggregation engine fires after rewriting a period.
func (c *Cache) InvalidateTier(ctx context.Context, tier metrics.Tier) (int, error) {
	return c.store.DelPattern(ctx, cacheKeyPrefix+string(tier)+":*")
}

// Invalidate drops cached responses matching a glob pattern, for the admin
// endpoint. The pattern is confined to the cache namespace.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	return c.store.DelPattern(ctx, cacheKeyPrefix+pattern)
}
