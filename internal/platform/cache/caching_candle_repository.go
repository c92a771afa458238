// Package cache provides caching implementations for repository interfaces.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"tradebot_backend/internal/feature/candles/domain/entity"
	"tradebot_backend/internal/feature/candles/domain/frame"
	"tradebot_backend/internal/feature/candles/usecase"
)

// CachingCandleRepository decorates a TxCandleRepository with a Redis cache of
// range query results. Only complete ranges are cached: the store is
// append-only, so a range holding every candle it can hold never changes.
type CachingCandleRepository struct {
	tx        usecase.TxCandleRepository
	inner     usecase.CandleRepository
	rdb       *redis.Client
	ttl       time.Duration
	namespace string

	// dirty is set once Add runs inside a transaction; reads after that may
	// see rows that are not committed yet and are not cached.
	inTx  bool
	dirty bool
}

var _ usecase.TxCandleRepository = (*CachingCandleRepository)(nil)

// NewCachingCandleRepository decorates a TxCandleRepository with Redis caching.
// If ttl is 0, it defaults to 5 minutes. If namespace is empty, it uses "candles".
// A nil rdb disables caching.
func NewCachingCandleRepository(rdb *redis.Client, ttl time.Duration, inner usecase.TxCandleRepository, namespace string) *CachingCandleRepository {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if namespace == "" {
		namespace = "candles"
	}
	return &CachingCandleRepository{
		tx:        inner,
		inner:     inner,
		rdb:       rdb,
		ttl:       ttl,
		namespace: namespace,
	}
}

// Add stores candles and invalidates cached ranges of the same symbol and frame.
func (c *CachingCandleRepository) Add(ctx context.Context, symbol, tf string, candles []entity.Candle) error {
	if err := c.inner.Add(ctx, symbol, tf, candles); err != nil {
		return err
	}
	if c.inTx {
		c.dirty = true
	}
	if c.rdb == nil || len(candles) == 0 {
		return nil
	}
	_ = c.deleteByPattern(ctx, c.cacheKeyPrefix(symbol, tf)+"*") // best effort
	return nil
}

// RangeQuery checks the cache first then falls back to the store.
func (c *CachingCandleRepository) RangeQuery(ctx context.Context, symbol, tf string, start, end time.Time) ([]entity.Candle, error) {
	if c.rdb == nil {
		return c.inner.RangeQuery(ctx, symbol, tf, start, end)
	}

	key := c.cacheKey(symbol, tf, start, end)

	if b, err := c.rdb.Get(ctx, key).Bytes(); err == nil && len(b) > 0 {
		var out []entity.Candle
		if err := json.Unmarshal(b, &out); err == nil {
			return out, nil
		}
		// Delete corrupted cache entry
		_ = c.rdb.Del(ctx, key).Err()
	}

	out, err := c.inner.RangeQuery(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}

	if c.dirty {
		return out, nil
	}
	if want, err := frame.ExpectedCount(start, end, tf); err != nil || len(out) != want {
		return out, nil
	}
	if b, err := json.Marshal(out); err == nil {
		_ = c.rdb.Set(ctx, key, b, c.ttl).Err()
	}
	return out, nil
}

// Transaction runs fn with a cache-decorated view of the transactional repository.
func (c *CachingCandleRepository) Transaction(ctx context.Context, fn func(repo usecase.CandleRepository) error) error {
	return c.tx.Transaction(ctx, func(repo usecase.CandleRepository) error {
		return fn(&CachingCandleRepository{
			tx:        c.tx,
			inner:     repo,
			rdb:       c.rdb,
			ttl:       c.ttl,
			namespace: c.namespace,
			inTx:      true,
		})
	})
}

// cacheKey generates a cache key for a specific range.
func (c *CachingCandleRepository) cacheKey(symbol, tf string, start, end time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d",
		c.namespace,
		safe(symbol),
		safe(tf),
		start.UnixMilli(),
		end.UnixMilli(),
	)
}

// cacheKeyPrefix generates a prefix for invalidating related cache entries.
func (c *CachingCandleRepository) cacheKeyPrefix(symbol, tf string) string {
	return fmt.Sprintf("%s:%s:%s:",
		c.namespace,
		safe(symbol),
		safe(tf),
	)
}

// deleteByPattern deletes all cache keys matching a given pattern using SCAN.
func (c *CachingCandleRepository) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, cur, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return nil
}

// safe escapes characters that are problematic for Redis keys.
func safe(s string) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, ":", "_")
	return s
}
