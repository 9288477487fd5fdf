package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"shock-trader/internal/config"
	"shock-trader/internal/exchange"
)

// CandleCache 在K线源之前加一层 Redis 缓存。缓存不可用时直接回源。
type CandleCache struct {
	client *redis.Client
	source exchange.CandleSource
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewRedisClient 按配置创建 Redis 客户端并检查连通性。
func NewRedisClient(ctx context.Context, cfg config.CacheConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

// NewCandleCache 包装K线源。
func NewCandleCache(client *redis.Client, source exchange.CandleSource, cfg config.CacheConfig, logger *zap.Logger) *CandleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "shock"
	}
	return &CandleCache{
		client: client,
		source: source,
		ttl:    ttl,
		prefix: prefix,
		logger: logger,
	}
}

// FetchCandles 先读缓存，未命中或缓存异常时回源并回写。
func (c *CandleCache) FetchCandles(ctx context.Context, symbol, timeframe string, count int) ([]exchange.Candle, error) {
	key := c.key(symbol, timeframe, count)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var candles []exchange.Candle
		if jsonErr := json.Unmarshal(raw, &candles); jsonErr == nil && len(candles) > 0 {
			return candles, nil
		}
		c.logger.Warn("K线缓存内容损坏，回源获取", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("读取K线缓存失败，回源获取", zap.String("key", key), zap.Error(err))
	}

	candles, err := c.source.FetchCandles(ctx, symbol, timeframe, count)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return candles, nil
	}

	payload, err := json.Marshal(candles)
	if err != nil {
		return candles, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("写入K线缓存失败", zap.String("key", key), zap.Error(err))
	}
	return candles, nil
}

// Invalidate 删除某标的某周期的缓存。
func (c *CandleCache) Invalidate(ctx context.Context, symbol, timeframe string, count int) error {
	return c.client.Del(ctx, c.key(symbol, timeframe, count)).Err()
}

func (c *CandleCache) key(symbol, timeframe string, count int) string {
	return fmt.Sprintf("%s:candles:%s:%s:%d", c.prefix, symbol, timeframe, count)
}
