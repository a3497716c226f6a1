package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// BalanceLoader reads the authoritative balance on a cache miss
type BalanceLoader func(ctx context.Context, accountID string) (decimal.Decimal, error)

// BalanceInvalidator drops cached state for an account after its balance changed
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// BalanceCache is a read-through cache in front of the BalanceStore. It is
// never the source of truth and must not return a value loaded before the
// most recent Invalidate for the same account.
type BalanceCache interface {
	BalanceInvalidator
	GetOrLoad(ctx context.Context, accountID string, load BalanceLoader) (decimal.Decimal, error)
	Close() error
}
