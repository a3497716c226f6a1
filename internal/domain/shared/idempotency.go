package shared

import (
	"context"
	"time"
)

// DefaultEventTTL covers the retry horizon of payment gateway webhooks
const DefaultEventTTL = 72 * time.Hour

// IdempotencyStore remembers processed external event IDs. It is a fast-path
// filter only; durable deduplication lives on the ledger idempotency key.
type IdempotencyStore interface {
	// MarkProcessed claims eventID for ttl and returns false if it was already claimed
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// IsProcessed reports whether eventID is currently claimed
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// Forget releases a claim so a redelivery is processed again, used when
	// handling failed after MarkProcessed
	Forget(ctx context.Context, eventID string) error

	// Close releases resources owned by the store
	Close() error
}
