package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultCloseTimeout = 5 * time.Second

// DefaultInvalidationChannel is the Pub/Sub channel shared by all instances
const DefaultInvalidationChannel = "ledger:balance_invalidation"

// InvalidationMessage announces that an account's balance changed
type InvalidationMessage struct {
	AccountID string `json:"account_id"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

// RedisInvalidationBus fans balance invalidations out to every instance so
// each can drop its L1 entry.
type RedisInvalidationBus struct {
	client    redis.UniversalClient
	channel   string
	origin    string
	logger    *zap.Logger
	cancelFn  context.CancelFunc
	doneCh    chan struct{}
	doneOnce  sync.Once
	mu        sync.Mutex
	isRunning bool
}

// RedisInvalidationBusOption is a functional option for configuring the bus
type RedisInvalidationBusOption func(*RedisInvalidationBus)

// WithInvalidatorChannel sets the Pub/Sub channel name
func WithInvalidatorChannel(channel string) RedisInvalidationBusOption {
	return func(b *RedisInvalidationBus) {
		if channel != "" {
			b.channel = channel
		}
	}
}

// WithInvalidatorLogger sets the logger for the bus
func WithInvalidatorLogger(logger *zap.Logger) RedisInvalidationBusOption {
	return func(b *RedisInvalidationBus) {
		b.logger = logger
	}
}

// NewRedisInvalidationBus creates a bus on a caller-owned client
func NewRedisInvalidationBus(client redis.UniversalClient, opts ...RedisInvalidationBusOption) *RedisInvalidationBus {
	b := &RedisInvalidationBus{
		client:  client,
		channel: DefaultInvalidationChannel,
		origin:  uuid.NewString(),
		logger:  zap.NewNop(),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Origin identifies this instance in published messages
func (b *RedisInvalidationBus) Origin() string {
	return b.origin
}

// Publish announces an invalidation to all subscribers
func (b *RedisInvalidationBus) Publish(ctx context.Context, accountID string) error {
	data, err := json.Marshal(InvalidationMessage{
		AccountID: accountID,
		Origin:    b.origin,
		Timestamp: time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish balance invalidation",
			zap.String("channel", b.channel),
			zap.String("account_id", accountID),
			zap.Error(err))
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe blocks delivering messages from other instances to callback
// until ctx is cancelled or Close is called. Messages published by this
// instance are skipped.
func (b *RedisInvalidationBus) Subscribe(ctx context.Context, callback func(msg InvalidationMessage)) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("subscription already running")
	}
	b.isRunning = true
	subCtx, cancel := context.WithCancel(ctx)
	b.cancelFn = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.isRunning = false
		b.mu.Unlock()
		b.markDone()
	}()

	pubsub := b.client.Subscribe(subCtx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	b.logger.Info("Subscribed to balance invalidation channel", zap.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			b.logger.Info("Balance invalidation subscription stopped")
			return subCtx.Err()
		case msg, ok := <-ch:
			if !ok {
				b.logger.Warn("Balance invalidation channel closed")
				return nil
			}

			var m InvalidationMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.logger.Error("Failed to unmarshal balance invalidation",
					zap.String("payload", msg.Payload),
					zap.Error(err))
				continue
			}
			if m.Origin == b.origin {
				continue
			}
			b.dispatch(callback, m)
		}
	}
}

func (b *RedisInvalidationBus) dispatch(callback func(InvalidationMessage), m InvalidationMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Panic in balance invalidation callback", zap.Any("panic", r))
		}
	}()
	callback(m)
}

func (b *RedisInvalidationBus) markDone() {
	b.doneOnce.Do(func() {
		close(b.doneCh)
	})
}

// Close stops a running subscription. The client is left open.
func (b *RedisInvalidationBus) Close() error {
	b.mu.Lock()
	cancelFn := b.cancelFn
	b.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
		select {
		case <-b.doneCh:
		case <-time.After(defaultCloseTimeout):
			b.logger.Warn("Timeout waiting for subscription to stop")
		}
	}
	return nil
}
