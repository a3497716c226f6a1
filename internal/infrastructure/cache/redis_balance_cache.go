package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// generationTTL keeps an account's generation counter alive well past any load
const generationTTL = 24 * time.Hour

// RedisBalanceCache is the shared L2 tier. Each account has a value key and a
// generation key; invalidation bumps the generation, and a fill is written in
// a WATCH transaction that aborts if the generation moved since the load began.
type RedisBalanceCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// RedisBalanceCacheOption configures a RedisBalanceCache
type RedisBalanceCacheOption func(*RedisBalanceCache)

// WithRedisKeyPrefix namespaces the cache keys
func WithRedisKeyPrefix(prefix string) RedisBalanceCacheOption {
	return func(c *RedisBalanceCache) {
		c.keyPrefix = prefix
	}
}

// WithRedisTTL sets the expiry of cached balances
func WithRedisTTL(ttl time.Duration) RedisBalanceCacheOption {
	return func(c *RedisBalanceCache) {
		c.ttl = ttl
	}
}

// WithRedisLogger sets the logger
func WithRedisLogger(logger *zap.Logger) RedisBalanceCacheOption {
	return func(c *RedisBalanceCache) {
		c.logger = logger
	}
}

// NewRedisBalanceCache creates an L2 cache on a caller-owned client
func NewRedisBalanceCache(client redis.UniversalClient, opts ...RedisBalanceCacheOption) *RedisBalanceCache {
	c := &RedisBalanceCache{
		client:    client,
		keyPrefix: "ledger:",
		ttl:       DefaultBalanceTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisBalanceCache) valueKey(accountID string) string {
	return c.keyPrefix + "balance:" + accountID
}

func (c *RedisBalanceCache) genKey(accountID string) string {
	return c.keyPrefix + "balance_gen:" + accountID
}

// Get returns the cached balance and whether it was present
func (c *RedisBalanceCache) Get(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, c.valueKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read cached balance: %w", err)
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		// Unparseable entries are treated as a miss and overwritten by the next fill
		c.logger.Warn("Discarding malformed cached balance",
			zap.String("account_id", accountID), zap.String("raw", raw))
		return decimal.Zero, false, nil
	}
	return value, true, nil
}

// Generation returns the current invalidation generation of an account
func (c *RedisBalanceCache) Generation(ctx context.Context, accountID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache generation: %w", err)
	}
	return gen, nil
}

// SetIfGeneration stores value only while the account is still at gen.
// It returns false when an invalidation got there first.
func (c *RedisBalanceCache) SetIfGeneration(ctx context.Context, accountID string, gen int64, value decimal.Decimal) (bool, error) {
	genKey := c.genKey(accountID)
	stored := false
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.valueKey(accountID), value.String(), c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, genKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to store cached balance: %w", err)
	}
	return stored, nil
}

// Invalidate bumps the generation and drops the cached value atomically
func (c *RedisBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	genKey := c.genKey(accountID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, c.valueKey(accountID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate cached balance: %w", err)
	}
	return nil
}
