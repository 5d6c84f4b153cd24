package cache

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"go.uber.org/zap"
)

const DefaultBalanceTTL = 90 * time.Second

// BalanceCache holds recent balance reads. Set never replaces an entry
// with an older version, so a slow reader cannot overwrite the value
// written after a commit.
type BalanceCache interface {
	Get(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, bool)
	Set(ctx context.Context, balance ledgerdomain.Balance)
	Invalidate(ctx context.Context, entityID snowflake.ID)
}

type memoryBalanceCache struct {
	items Cache[snowflake.ID, ledgerdomain.Balance]
	ttl   time.Duration
}

// NewMemoryBalanceCache returns a process-local balance cache.
func NewMemoryBalanceCache(clk clock.Clock, ttl time.Duration) BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &memoryBalanceCache{
		items: NewTTLCache[snowflake.ID, ledgerdomain.Balance](clk),
		ttl:   ttl,
	}
}

func (c *memoryBalanceCache) Get(_ context.Context, entityID snowflake.ID) (ledgerdomain.Balance, bool) {
	return c.items.Get(entityID)
}

func (c *memoryBalanceCache) Set(_ context.Context, balance ledgerdomain.Balance) {
	c.items.Update(balance.EntityID, c.ttl, func(current ledgerdomain.Balance, ok bool) (ledgerdomain.Balance, bool) {
		if ok && current.Version > balance.Version {
			return current, false
		}
		return balance, true
	})
}

func (c *memoryBalanceCache) Invalidate(_ context.Context, entityID snowflake.ID) {
	c.items.Delete(entityID)
}

//go:embed set_if_newer.lua
var setIfNewerSource string

var setIfNewer = redis.NewScript(setIfNewerSource)

type redisBalanceCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisBalanceCache shares cached balances across instances. Redis
// failures degrade to cache misses.
func NewRedisBalanceCache(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) BalanceCache {
	if ttl <= 0 {
		ttl = DefaultBalanceTTL
	}
	return &redisBalanceCache{
		client: client,
		ttl:    ttl,
		log:    log.Named("cache.balance"),
	}
}

func balanceKey(entityID snowflake.ID) string {
	return "tokenledger:balance:" + entityID.String()
}

func (c *redisBalanceCache) Get(ctx context.Context, entityID snowflake.ID) (ledgerdomain.Balance, bool) {
	raw, err := c.client.Get(ctx, balanceKey(entityID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("balance cache read failed", zap.String("entity_id", entityID.String()), zap.Error(err))
		}
		return ledgerdomain.Balance{}, false
	}
	var balance ledgerdomain.Balance
	if err := json.Unmarshal(raw, &balance); err != nil {
		c.log.Warn("balance cache entry corrupt", zap.String("entity_id", entityID.String()), zap.Error(err))
		c.Invalidate(ctx, entityID)
		return ledgerdomain.Balance{}, false
	}
	return balance, true
}

func (c *redisBalanceCache) Set(ctx context.Context, balance ledgerdomain.Balance) {
	payload, err := json.Marshal(balance)
	if err != nil {
		c.log.Warn("balance cache encode failed", zap.Error(err))
		return
	}
	err = setIfNewer.Run(ctx, c.client,
		[]string{balanceKey(balance.EntityID)},
		string(payload),
		strconv.FormatInt(balance.Version, 10),
		c.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		c.log.Warn("balance cache write failed", zap.String("entity_id", balance.EntityID.String()), zap.Error(err))
	}
}

func (c *redisBalanceCache) Invalidate(ctx context.Context, entityID snowflake.ID) {
	if err := c.client.Del(ctx, balanceKey(entityID)).Err(); err != nil {
		c.log.Warn("balance cache invalidate failed", zap.String("entity_id", entityID.String()), zap.Error(err))
	}
}
