package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Components are the cache-backed collaborators of the ledger service
type Components struct {
	Balances    ledger.BalanceCache
	Idempotency shared.IdempotencyStore
	// Tiered is set when Redis is in use; its subscription must be started by the caller
	Tiered *TieredBalanceCache
	client *redis.Client
}

// Client returns the Redis client opened by Create, or nil for in-memory components
func (c *Components) Client() redis.UniversalClient {
	if c.client == nil {
		return nil
	}
	return c.client
}

// Close releases the caches and the Redis client, if one was opened
func (c *Components) Close() error {
	_ = c.Balances.Close()
	_ = c.Idempotency.Close()
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Factory creates cache components based on configuration
type Factory struct {
	redisConfig           config.RedisConfig
	ledgerConfig          config.LedgerConfig
	logger                *zap.Logger
	recorder              LookupRecorder
	allowInMemoryFallback bool
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory and the caches it builds
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithRecorder forwards cache lookups to r
func WithRecorder(r LookupRecorder) FactoryOption {
	return func(f *Factory) {
		f.recorder = r
	}
}

// WithInMemoryFallback controls whether to fall back to in-memory caches
// when Redis is enabled but unreachable. Default is true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// NewFactory creates a new factory
func NewFactory(redisCfg config.RedisConfig, ledgerCfg config.LedgerConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           redisCfg,
		ledgerConfig:          ledgerCfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewRedisClient opens and pings a Redis client
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (f *Factory) newL1() *InMemoryBalanceCache {
	return NewInMemoryBalanceCache(
		WithTTL(f.ledgerConfig.CacheTTL),
		WithCleanupInterval(f.ledgerConfig.CacheCleanupInterval),
		WithInMemoryLogger(f.logger),
		WithLookupRecorder(f.recorder),
	)
}

// InMemory builds process-local components, suitable for one instance and tests
func (f *Factory) InMemory() *Components {
	return &Components{
		Balances:    f.newL1(),
		Idempotency: NewInMemoryIdempotencyStore(),
	}
}

// WithClient builds Redis-backed components on an existing client. The
// returned components do not own the client.
func (f *Factory) WithClient(client redis.UniversalClient) *Components {
	l2 := NewRedisBalanceCache(client,
		WithRedisKeyPrefix(f.redisConfig.KeyPrefix),
		WithRedisTTL(f.ledgerConfig.CacheTTL),
		WithRedisLogger(f.logger))
	bus := NewRedisInvalidationBus(client,
		WithInvalidatorChannel(f.redisConfig.InvalidationChannel),
		WithInvalidatorLogger(f.logger))
	tiered := NewTieredBalanceCache(f.newL1(), l2, bus, f.recorder)
	return &Components{
		Balances:    tiered,
		Idempotency: NewRedisIdempotencyStore(client, f.redisConfig.KeyPrefix+"webhook_event:"),
		Tiered:      tiered,
	}
}

// Create builds Redis-backed components when Redis is enabled and reachable,
// otherwise in-memory ones (if fallback is allowed).
func (f *Factory) Create(ctx context.Context) (*Components, error) {
	if !f.redisConfig.Enabled {
		f.logger.Info("Redis disabled, using in-memory balance cache")
		return f.InMemory(), nil
	}

	client, err := NewRedisClient(ctx, f.redisConfig)
	if err != nil {
		if !f.allowInMemoryFallback {
			return nil, fmt.Errorf("Redis required for caching but unavailable: %w", err)
		}
		f.logger.Warn("Redis unavailable, falling back to in-memory caches. "+
			"Webhook deduplication and balance invalidation are then local to this instance.",
			zap.Error(err))
		return f.InMemory(), nil
	}

	f.logger.Info("Using Redis-backed balance cache", zap.String("addr", f.redisConfig.Addr()))
	components := f.WithClient(client)
	components.client = client
	return components, nil
}
