package extractor

import (
	"context"
	"errors"
	"time"

	"iouchain/internal/domain"
	"iouchain/pkg/cache"
)

// RedisEventCache stores scan results in Redis under ScanKey. Ledger history
// below a tip is immutable, so an entry never goes stale; the TTL only bounds
// memory.
type RedisEventCache struct {
	store *cache.RedisCache
	ttl   time.Duration
}

func NewRedisEventCache(store *cache.RedisCache, ttl time.Duration) *RedisEventCache {
	return &RedisEventCache{store: store, ttl: ttl}
}

func (c *RedisEventCache) Get(ctx context.Context, key string) ([]domain.DebtEvent, bool, error) {
	var events []domain.DebtEvent
	err := c.store.Get(ctx, key, &events)
	if errors.Is(err, cache.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if events == nil {
		events = []domain.DebtEvent{}
	}
	return events, true, nil
}

func (c *RedisEventCache) Put(ctx context.Context, key string, events []domain.DebtEvent) error {
	return c.store.Set(ctx, key, events, c.ttl)
}

