package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
)

// ReserveRequest asks to hold funds for a unit of work. Amount may be left
// nil when Meter and Quantity let the amount providers price the request.
type ReserveRequest struct {
	AccountID   string
	Amount      *decimal.Decimal
	Meter       string
	Quantity    decimal.Decimal
	RequestID   string
	Description string
	Metadata    ledger.Metadata
}

// ReserveResult is the tagged result of a reservation. Only OutcomeOK carries
// a transaction. Status is the reservation's current state, so a replay of a
// reservation that was since released or finalized reports it.
type ReserveResult struct {
	Outcome       ledger.Outcome           `json:"outcome"`
	TransactionID uuid.UUID                `json:"transaction_id"`
	Amount        decimal.Decimal          `json:"amount"`
	BalanceBefore decimal.Decimal          `json:"balance_before"`
	BalanceAfter  decimal.Decimal          `json:"balance_after"`
	Status        ledger.TransactionStatus `json:"status,omitempty"`
	AmountSource  string                   `json:"amount_source,omitempty"`
	Replayed      bool                     `json:"replayed"`
}

// OK reports whether funds were reserved
func (r ReserveResult) OK() bool {
	return r.Outcome == ledger.OutcomeOK
}

// ReleaseResult describes the compensating refund written by Release
type ReleaseResult struct {
	BalanceAfter        decimal.Decimal `json:"balance_after"`
	RefundTransactionID uuid.UUID       `json:"refund_transaction_id"`
	Replayed            bool            `json:"replayed"`
}

// DepositRequest credits an account. IdempotencyKey is optional; without it
// every call writes a new deposit.
type DepositRequest struct {
	AccountID      string
	Currency       string
	Amount         decimal.Decimal
	IdempotencyKey string
	ExternalRef    string
	Description    string
	Metadata       ledger.Metadata
}

// DepositResult reports the deposit transaction
type DepositResult struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Duplicate     bool            `json:"duplicate"`
}

// ReconcileResult reports how a payment event was applied. Noop is set when
// the event had already been applied. A failed event with audit markers
// disabled yields neither a transaction nor Noop.
type ReconcileResult struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Noop          bool            `json:"noop"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Shortfall     decimal.Decimal `json:"shortfall"`
}

// SetBalanceRequest moves an account to an exact balance
type SetBalanceRequest struct {
	AccountID      string
	Target         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// SetBalanceResult carries the adjustment snapshot
type SetBalanceResult struct {
	ledger.AdjustResult
	TransactionID uuid.UUID `json:"transaction_id"`
	Duplicate     bool      `json:"duplicate"`
}

// StatementResult locates an exported statement
type StatementResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Rows      int       `json:"rows"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SweepStats summarizes one expiry sweep
type SweepStats struct {
	Found     int       `json:"found"`
	Released  int       `json:"released"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	StartedAt time.Time `json:"started_at"`
}
