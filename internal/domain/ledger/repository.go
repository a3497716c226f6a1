package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdjustResult is the balance snapshot taken inside the atomic section
type AdjustResult struct {
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	// Shortfall is the part of a clamped debit that could not be applied
	Shortfall decimal.Decimal
}

// Applied returns the delta actually written to the balance
func (r AdjustResult) Applied() decimal.Decimal {
	return r.BalanceAfter.Sub(r.BalanceBefore)
}

// BalanceStore owns the account balances. Every mutation reads, validates and
// writes as one indivisible step; callers never read-modify-write.
type BalanceStore interface {
	// EnsureAccount creates the account with a zero balance unless it exists
	EnsureAccount(ctx context.Context, accountID, currency string) (*Account, error)
	// Get returns ErrAccountNotFound for an unknown account
	Get(ctx context.Context, accountID string) (*Account, error)
	// AtomicAdjust applies a signed delta, failing with ErrInsufficientFunds
	// when the result would be negative
	AtomicAdjust(ctx context.Context, accountID string, signedAmount decimal.Decimal) (AdjustResult, error)
	// AtomicAdjustClamped limits a debit to the available balance and reports
	// the remainder as Shortfall
	AtomicAdjustClamped(ctx context.Context, accountID string, signedAmount decimal.Decimal) (AdjustResult, error)
	// AtomicSet moves the balance to target by a delta computed under the lock
	AtomicSet(ctx context.Context, accountID string, target decimal.Decimal) (AdjustResult, error)
}

// AppendResult reports whether Append wrote a new row or found an existing one
type AppendResult struct {
	Transaction *Transaction
	Duplicate   bool
}

// TransactionLedger is the append-only transaction log
type TransactionLedger interface {
	// Append is idempotent on IdempotencyKey
	Append(ctx context.Context, tx *Transaction) (AppendResult, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// GetByAccount returns newest first
	GetByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
	SumByType(ctx context.Context, accountID string, txType TransactionType, window TimeWindow) (decimal.Decimal, error)
	// UpdateStatus moves a transaction from one status to another and returns
	// false when the current status is not from
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) (bool, error)
	// FindPendingBefore lists pending reservations created before cutoff, oldest first
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
	// ListByAccountWindow returns entries in the window oldest first
	ListByAccountWindow(ctx context.Context, accountID string, window TimeWindow, limit, offset int) ([]*Transaction, error)
}
