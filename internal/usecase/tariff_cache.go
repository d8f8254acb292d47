package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tariff-service/internal/domain"
)

const tariffCacheTTL = 5 * time.Minute

func tariffCacheKey(id int64) string {
	return fmt.Sprintf("tariff:id:%d", id)
}

// TariffCache is the read-cache contract the usecases depend on; mocked in
// tests. Cache errors are never surfaced: a failed Get is a miss, a failed
// Set or Invalidate is logged by the implementation.
type TariffCache interface {
	Get(ctx context.Context, id int64) (*domain.Tariff, bool)
	Set(ctx context.Context, tariff *domain.Tariff)
	Invalidate(ctx context.Context, id int64)
}

// RedisTariffCache caches tariffs as JSON under a short TTL; mutations
// invalidate eagerly so the TTL only bounds staleness after missed
// invalidations.
type RedisTariffCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisTariffCache(client *redis.Client, logger *zap.Logger) *RedisTariffCache {
	return &RedisTariffCache{client: client, logger: logger}
}

func (c *RedisTariffCache) Get(ctx context.Context, id int64) (*domain.Tariff, bool) {
	val, err := c.client.Get(ctx, tariffCacheKey(id)).Result()
	if err != nil {
		return nil, false
	}
	var cached domain.Tariff
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, false
	}
	return &cached, true
}

func (c *RedisTariffCache) Set(ctx context.Context, tariff *domain.Tariff) {
	data, err := json.Marshal(tariff)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, tariffCacheKey(tariff.ID), data, tariffCacheTTL).Err(); err != nil {
		c.logger.Warn("failed to cache tariff", zap.Int64("tariff_id", tariff.ID), zap.Error(err))
	}
}

func (c *RedisTariffCache) Invalidate(ctx context.Context, id int64) {
	if err := c.client.Del(ctx, tariffCacheKey(id)).Err(); err != nil {
		c.logger.Warn("failed to invalidate tariff cache", zap.Int64("tariff_id", id), zap.Error(err))
	}
}
