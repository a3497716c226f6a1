package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Defaults for the in-process balance cache
const (
	DefaultBalanceTTL      = 10 * time.Second
	defaultCleanupInterval = 30 * time.Second
)

// LookupRecorder receives one observation per cache lookup
type LookupRecorder interface {
	RecordCacheLookup(ctx context.Context, layer string, hit bool)
}

// balanceSlot holds the cached balance of one account. gen is bumped by every
// invalidation; a fill only lands if gen is unchanged since its load began.
type balanceSlot struct {
	mu        sync.Mutex
	gen       uint64
	value     decimal.Decimal
	expiresAt time.Time
	valid     bool
}

func (s *balanceSlot) fresh(now time.Time) bool {
	return s.valid && now.Before(s.expiresAt)
}

// InMemoryBalanceCache implements ledger.BalanceCache for a single process.
// It is used alone or as L1 in front of Redis.
type InMemoryBalanceCache struct {
	slots           sync.Map // map[string]*balanceSlot
	ttl             time.Duration
	cleanupInterval time.Duration
	logger          *zap.Logger
	recorder        LookupRecorder
	layer           string
	stopCh          chan struct{}
	stopped         int32

	hits   int64
	misses int64
}

// InMemoryBalanceCacheOption is a functional option for configuring the cache
type InMemoryBalanceCacheOption func(*InMemoryBalanceCache)

// WithTTL sets how long a loaded balance is served. A non-positive TTL disables caching.
func WithTTL(ttl time.Duration) InMemoryBalanceCacheOption {
	return func(c *InMemoryBalanceCache) {
		c.ttl = ttl
	}
}

// WithCleanupInterval sets how often expired slots are dropped
func WithCleanupInterval(d time.Duration) InMemoryBalanceCacheOption {
	return func(c *InMemoryBalanceCache) {
		if d > 0 {
			c.cleanupInterval = d
		}
	}
}

// WithInMemoryLogger sets the logger for the cache
func WithInMemoryLogger(logger *zap.Logger) InMemoryBalanceCacheOption {
	return func(c *InMemoryBalanceCache) {
		c.logger = logger
	}
}

// WithLookupRecorder reports hits and misses, typically to metrics
func WithLookupRecorder(r LookupRecorder) InMemoryBalanceCacheOption {
	return func(c *InMemoryBalanceCache) {
		c.recorder = r
	}
}

// NewInMemoryBalanceCache creates the cache and starts its cleanup goroutine
func NewInMemoryBalanceCache(opts ...InMemoryBalanceCacheOption) *InMemoryBalanceCache {
	c := &InMemoryBalanceCache{
		ttl:             DefaultBalanceTTL,
		cleanupInterval: defaultCleanupInterval,
		logger:          zap.NewNop(),
		layer:           "l1",
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.cleanupExpired()
	return c
}

func (c *InMemoryBalanceCache) slot(accountID string) *balanceSlot {
	if v, ok := c.slots.Load(accountID); ok {
		return v.(*balanceSlot)
	}
	v, _ := c.slots.LoadOrStore(accountID, &balanceSlot{})
	return v.(*balanceSlot)
}

// GetOrLoad returns the cached balance or loads it. A load that overlaps an
// Invalidate returns its value to the caller but is not cached.
func (c *InMemoryBalanceCache) GetOrLoad(ctx context.Context, accountID string, load ledger.BalanceLoader) (decimal.Decimal, error) {
	if c.ttl <= 0 {
		return load(ctx, accountID)
	}

	s := c.slot(accountID)
	s.mu.Lock()
	if s.fresh(time.Now()) {
		value := s.value
		s.mu.Unlock()
		c.record(ctx, true)
		return value, nil
	}
	gen := s.gen
	s.mu.Unlock()
	c.record(ctx, false)

	value, err := load(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.value = value
		s.valid = true
		s.expiresAt = time.Now().Add(c.ttl)
	} else {
		c.logger.Debug("Discarded balance loaded across an invalidation",
			zap.String("account_id", accountID))
	}
	s.mu.Unlock()
	return value, nil
}

// Invalidate drops the cached balance and fences off in-flight loads
func (c *InMemoryBalanceCache) Invalidate(_ context.Context, accountID string) error {
	s := c.slot(accountID)
	s.mu.Lock()
	s.gen++
	s.valid = false
	s.mu.Unlock()
	return nil
}

// InvalidateAll drops every cached balance
func (c *InMemoryBalanceCache) InvalidateAll() {
	c.slots.Range(func(key, value any) bool {
		s := value.(*balanceSlot)
		s.mu.Lock()
		s.gen++
		s.valid = false
		s.mu.Unlock()
		return true
	})
}

func (c *InMemoryBalanceCache) record(ctx context.Context, hit bool) {
	if hit {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	if c.recorder != nil {
		c.recorder.RecordCacheLookup(ctx, c.layer, hit)
	}
}

// Close stops the cleanup goroutine
func (c *InMemoryBalanceCache) Close() error {
	if atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		close(c.stopCh)
	}
	return nil
}

// GetStats returns cache statistics
func (c *InMemoryBalanceCache) GetStats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// Count returns the number of accounts holding a slot
func (c *InMemoryBalanceCache) Count() int {
	n := 0
	c.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (c *InMemoryBalanceCache) cleanupExpired() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.logger.Error("Panic in cache cleanup", zap.Any("panic", r))
					}
				}()
				c.doCleanup()
			}()
		}
	}
}

// doCleanup removes slots that hold nothing servable. A load racing with the
// removal writes into the detached slot, which no reader can reach.
func (c *InMemoryBalanceCache) doCleanup() {
	now := time.Now()
	removed := 0
	c.slots.Range(func(key, value any) bool {
		s := value.(*balanceSlot)
		s.mu.Lock()
		stale := !s.fresh(now)
		s.mu.Unlock()
		if stale {
			c.slots.Delete(key)
			removed++
		}
		return true
	})
	if removed > 0 {
		c.logger.Debug("Cleaned up expired balance cache entries", zap.Int("removed", removed))
	}
}

// Ensure InMemoryBalanceCache implements BalanceCache
var _ ledger.BalanceCache = (*InMemoryBalanceCache)(nil)
