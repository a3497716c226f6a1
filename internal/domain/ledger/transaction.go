package ledger

import (
	"fmt"
	"time"

	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry
type TransactionType string

const (
	// TransactionTypeDeposit credits the account by Amount
	TransactionTypeDeposit TransactionType = "deposit"
	// TransactionTypeUsage debits the account by Amount
	TransactionTypeUsage TransactionType = "usage"
	// TransactionTypeRefund carries a signed Amount: positive returns funds, negative claws them back
	TransactionTypeRefund TransactionType = "refund"
	// TransactionTypeAdjustment carries a signed Amount set by an operator
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// IsValid returns true if the transaction type is known
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeUsage, TransactionTypeRefund, TransactionTypeAdjustment:
		return true
	}
	return false
}

// IsSigned returns true if Amount itself carries the direction
func (t TransactionType) IsSigned() bool {
	return t == TransactionTypeRefund || t == TransactionTypeAdjustment
}

// TransactionStatus is the lifecycle state of a ledger entry
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
)

// IsValid returns true if the status is known
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed, TransactionStatusRefunded:
		return true
	}
	return false
}

// IsTerminal returns true once the entry can no longer change state
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// Metadata keys written by the ledger itself
const (
	MetaOriginalTransactionID = "originalTransactionId"
	MetaUnrecoveredShortfall  = "unrecoveredShortfall"
	MetaRequestedAmount       = "requestedAmount"
	MetaTargetBalance         = "targetBalance"
	MetaReason                = "reason"
	MetaEventType             = "eventType"
	MetaAmountSource          = "amountSource"
)

// Metadata is free-form JSON attached to a transaction
type Metadata map[string]any

// Clone returns a shallow copy that is safe to extend
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Transaction is an immutable record of one balance movement. Once it leaves
// pending, its financial fields never change; a reversal is a new Transaction
// that points back through metadata.originalTransactionId.
type Transaction struct {
	shared.BaseEntity
	AccountID      string
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	IdempotencyKey *string
	Status         TransactionStatus
	ExternalRef    *string
	Description    string
	Metadata       Metadata
}

// TransactionParams groups the inputs of NewTransaction
type TransactionParams struct {
	AccountID      string
	Type           TransactionType
	Amount         decimal.Decimal
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	IdempotencyKey string
	Status         TransactionStatus
	ExternalRef    string
	Description    string
	Metadata       Metadata
}

// NewTransaction builds a transaction and checks the balance arithmetic
func NewTransaction(p TransactionParams) (*Transaction, error) {
	if err := ValidateAccountID(p.AccountID); err != nil {
		return nil, err
	}
	if !p.Type.IsValid() {
		return nil, shared.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid transaction type %q", p.Type))
	}
	if p.Status == "" {
		p.Status = TransactionStatusCompleted
	}
	if !p.Status.IsValid() {
		return nil, shared.ErrInvalidInput.WithMessage(fmt.Sprintf("invalid transaction status %q", p.Status))
	}
	if !p.Type.IsSigned() && p.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	tx := &Transaction{
		BaseEntity:    shared.NewBaseEntity(),
		AccountID:     p.AccountID,
		Type:          p.Type,
		Amount:        p.Amount,
		BalanceBefore: p.BalanceBefore,
		BalanceAfter:  p.BalanceAfter,
		Status:        p.Status,
		Description:   p.Description,
		Metadata:      p.Metadata,
	}
	if p.IdempotencyKey != "" {
		key := p.IdempotencyKey
		tx.IdempotencyKey = &key
	}
	if p.ExternalRef != "" {
		ref := p.ExternalRef
		tx.ExternalRef = &ref
	}
	if tx.Metadata == nil {
		tx.Metadata = Metadata{}
	}

	if err := tx.CheckInvariants(); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignedAmount returns the effect of this entry on the account balance
func (t *Transaction) SignedAmount() decimal.Decimal {
	return SignedAmount(t.Type, t.Amount)
}

// SignedAmount maps a type and amount onto a balance delta
func SignedAmount(txType TransactionType, amount decimal.Decimal) decimal.Decimal {
	if txType == TransactionTypeUsage {
		return amount.Neg()
	}
	return amount
}

// CheckInvariants verifies balanceAfter = balanceBefore + signedAmount and
// that neither snapshot is negative.
func (t *Transaction) CheckInvariants() error {
	if t.BalanceBefore.IsNegative() || t.BalanceAfter.IsNegative() {
		return ErrInvariantViolation.WithMessage(fmt.Sprintf(
			"negative balance snapshot on account %s: before=%s after=%s",
			t.AccountID, t.BalanceBefore, t.BalanceAfter))
	}
	if !t.BalanceBefore.Add(t.SignedAmount()).Equal(t.BalanceAfter) {
		return ErrInvariantViolation.WithMessage(fmt.Sprintf(
			"balance arithmetic mismatch on account %s: %s %s %s != %s",
			t.AccountID, t.BalanceBefore, t.Type, t.Amount, t.BalanceAfter))
	}
	return nil
}

// IsReservation returns true for a usage entry created by the two-phase flow
func (t *Transaction) IsReservation() bool {
	return t.Type == TransactionTypeUsage && t.IdempotencyKey != nil
}

// Key returns the idempotency key or an empty string
func (t *Transaction) Key() string {
	if t.IdempotencyKey == nil {
		return ""
	}
	return *t.IdempotencyKey
}

// TimeWindow bounds a query by creation time. A zero bound is open.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Contains reports whether ts falls inside the window, bounds inclusive
func (w TimeWindow) Contains(ts time.Time) bool {
	if !w.From.IsZero() && ts.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && ts.After(w.To) {
		return false
	}
	return true
}

// Validate rejects an inverted window
func (w TimeWindow) Validate() error {
	if !w.From.IsZero() && !w.To.IsZero() && w.To.Before(w.From) {
		return shared.ErrInvalidInput.WithMessage("time window end precedes start")
	}
	return nil
}
