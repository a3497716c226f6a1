package ledger

import (
	"errors"

	"github.com/ledger/backend/internal/domain/shared"
)

// Ledger error taxonomy. Duplicate idempotency keys are deliberately absent:
// a replay resolves to the original transaction and is reported through
// result flags, never as an error.
var (
	ErrAccountNotFound     = shared.NewDomainError("ACCOUNT_NOT_FOUND", "Account not found")
	ErrInsufficientFunds   = shared.ErrInsufficientBalance
	ErrTransactionNotFound = shared.NewDomainError("TRANSACTION_NOT_FOUND", "Transaction not found")
	ErrTransientStore      = shared.ErrTransientStore
	ErrInvariantViolation  = shared.ErrInvariantViolation
	ErrInvalidAmount       = shared.ErrInvalidInput.WithMessage("amount must be positive")
	ErrInvalidState        = shared.ErrInvalidState

	// ErrIdempotencyRace is returned by a TransactionLedger when a concurrent
	// writer committed the same idempotency key first. The enclosing unit of
	// work must roll back and resolve the winner's transaction.
	ErrIdempotencyRace = errors.New("ledger: idempotency key inserted concurrently")
)

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
