package cache

import (
	"context"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TieredBalanceCache implements a two-tier caching strategy
// L1: Local in-memory cache (fast, but local to instance)
// L2: Redis cache (slower, but shared across instances)
// Invalidation clears both tiers and is broadcast so peers drop their L1.
// Redis failures degrade to the loader; they never fail a read.
type TieredBalanceCache struct {
	l1       *InMemoryBalanceCache
	l2       *RedisBalanceCache
	bus      *RedisInvalidationBus
	recorder LookupRecorder
}

// NewTieredBalanceCache wires the tiers. bus may be nil for a single instance.
func NewTieredBalanceCache(l1 *InMemoryBalanceCache, l2 *RedisBalanceCache, bus *RedisInvalidationBus, recorder LookupRecorder) *TieredBalanceCache {
	return &TieredBalanceCache{l1: l1, l2: l2, bus: bus, recorder: recorder}
}

// StartInvalidationSubscription listens for peer invalidations. It blocks and
// is typically run in a goroutine.
func (c *TieredBalanceCache) StartInvalidationSubscription(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Subscribe(ctx, func(msg InvalidationMessage) {
		_ = c.l1.Invalidate(ctx, msg.AccountID)
	})
}

// GetOrLoad reads L1, then L2, then the loader
func (c *TieredBalanceCache) GetOrLoad(ctx context.Context, accountID string, load ledger.BalanceLoader) (decimal.Decimal, error) {
	return c.l1.GetOrLoad(ctx, accountID, func(ctx context.Context, accountID string) (decimal.Decimal, error) {
		return c.loadThroughL2(ctx, accountID, load)
	})
}

func (c *TieredBalanceCache) loadThroughL2(ctx context.Context, accountID string, load ledger.BalanceLoader) (decimal.Decimal, error) {
	log := logger.L(ctx)

	value, ok, err := c.l2.Get(ctx, accountID)
	if err != nil {
		log.Warn("L2 balance cache read failed", zap.String("account_id", accountID), zap.Error(err))
		return load(ctx, accountID)
	}
	c.recordL2(ctx, ok)
	if ok {
		return value, nil
	}

	gen, err := c.l2.Generation(ctx, accountID)
	if err != nil {
		log.Warn("L2 balance cache generation read failed", zap.String("account_id", accountID), zap.Error(err))
		return load(ctx, accountID)
	}

	value, err = load(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	if _, err := c.l2.SetIfGeneration(ctx, accountID, gen, value); err != nil {
		log.Warn("L2 balance cache fill failed", zap.String("account_id", accountID), zap.Error(err))
	}
	return value, nil
}

func (c *TieredBalanceCache) recordL2(ctx context.Context, hit bool) {
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(ctx, "l2", hit)
	}
}

// Invalidate clears the account from both tiers and notifies peers. L1 is
// always cleared; a Redis error is returned after the local fence is in place.
func (c *TieredBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	_ = c.l1.Invalidate(ctx, accountID)
	if err := c.l2.Invalidate(ctx, accountID); err != nil {
		return err
	}
	if c.bus != nil {
		return c.bus.Publish(ctx, accountID)
	}
	return nil
}

// Close stops the subscription and the L1 cleanup goroutine
func (c *TieredBalanceCache) Close() error {
	if c.bus != nil {
		_ = c.bus.Close()
	}
	return c.l1.Close()
}

// Ensure TieredBalanceCache implements BalanceCache
var _ ledger.BalanceCache = (*TieredBalanceCache)(nil)
