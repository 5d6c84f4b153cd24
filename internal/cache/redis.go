package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewRedisClient returns nil when REDIS_ADDR is unset.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, using in-process balance cache")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Warn("redis ping failed, balance reads will fall through", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// NewBalanceCache picks the Redis cache when a client is configured.
func NewBalanceCache(cfg config.Config, client *redis.Client, clk clock.Clock, log *zap.Logger) BalanceCache {
	if client == nil {
		return NewMemoryBalanceCache(clk, cfg.Ledger.BalanceCacheTTL)
	}
	return NewRedisBalanceCache(client, cfg.Ledger.BalanceCacheTTL, log)
}

var Module = fx.Module("cache",
	fx.Provide(
		NewRedisClient,
		NewBalanceCache,
		NewLocker,
	),
)
