package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
)

// ReserveRequest debits an account ahead of a metered call. Amount may be
// omitted when Meter and Quantity let the pricing providers resolve it.
type ReserveRequest struct {
	AccountID   string           `json:"account_id" binding:"required,max=255"`
	Amount      *decimal.Decimal `json:"amount" binding:"omitempty,decimal_gt0"`
	Meter       string           `json:"meter" binding:"max=100"`
	Quantity    decimal.Decimal  `json:"quantity" binding:"decimal_gte0"`
	RequestID   string           `json:"request_id" binding:"required,max=255"`
	Description string           `json:"description" binding:"max=500"`
	Metadata    map[string]any   `json:"metadata"`
}

// ReleaseRequest refunds a pending reservation
type ReleaseRequest struct {
	Description string `json:"description" binding:"max=500"`
}

// DepositRequest credits an account
type DepositRequest struct {
	AccountID      string          `json:"account_id" binding:"required,max=255"`
	Currency       string          `json:"currency" binding:"omitempty,len=3"`
	Amount         decimal.Decimal `json:"amount" binding:"decimal_gt0"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required,max=255"`
	ExternalRef    string          `json:"external_ref" binding:"max=255"`
	Description    string          `json:"description" binding:"max=500"`
	Metadata       map[string]any  `json:"metadata"`
}

// ReconcileRequest is a gateway-neutral payment notification
type ReconcileRequest struct {
	Type        string          `json:"type" binding:"required,oneof=succeeded failed refunded"`
	ExternalRef string          `json:"external_ref" binding:"required,max=255"`
	Amount      decimal.Decimal `json:"amount" binding:"decimal_gte0"`
	AccountID   string          `json:"account_id" binding:"required,max=255"`
	Currency    string          `json:"currency" binding:"omitempty,len=3"`
	Metadata    map[string]any  `json:"metadata"`
}

// ToEvent converts the request into a domain PaymentEvent
func (r ReconcileRequest) ToEvent() ledger.PaymentEvent {
	return ledger.PaymentEvent{
		Type:        ledger.PaymentEventType(r.Type),
		ExternalRef: r.ExternalRef,
		Amount:      r.Amount,
		AccountID:   r.AccountID,
		Currency:    r.Currency,
		Metadata:    r.Metadata,
	}
}

// SetBalanceRequest forces an account to an exact balance
type SetBalanceRequest struct {
	Balance        decimal.Decimal `json:"balance" binding:"decimal_gte0"`
	Reason         string          `json:"reason" binding:"required,max=500"`
	IdempotencyKey string          `json:"idempotency_key" binding:"required,max=255"`
}

// StatementRequest bounds a statement export. Omitted bounds are open.
type StatementRequest struct {
	From *time.Time `json:"from"`
	To   *time.Time `json:"to"`
}

// TransactionListQuery pages through an account's history
type TransactionListQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// DefaultTransactionLimit is used when limit is omitted
const DefaultTransactionLimit = 50

// SummaryQuery sums an account's transactions of one type inside a window
type SummaryQuery struct {
	Type string    `form:"type" binding:"required,oneof=deposit usage refund adjustment"`
	From time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To   time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
}

// BalanceResponse is the current balance of an account
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// FinalizeResponse reports whether a reservation moved to completed
type FinalizeResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Finalized     bool      `json:"finalized"`
}

// SummaryResponse is the total of one transaction type in a window
type SummaryResponse struct {
	AccountID string          `json:"account_id"`
	Type      string          `json:"type"`
	From      *time.Time      `json:"from,omitempty"`
	To        *time.Time      `json:"to,omitempty"`
	Total     decimal.Decimal `json:"total"`
}

// TransactionResponse is one ledger entry
type TransactionResponse struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      string          `json:"account_id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceBefore  decimal.Decimal `json:"balance_before"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	ExternalRef    *string         `json:"external_ref,omitempty"`
	Description    string          `json:"description,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewTransactionResponse converts a domain transaction
func NewTransactionResponse(tx *ledger.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:             tx.ID,
		AccountID:      tx.AccountID,
		Type:           string(tx.Type),
		Status:         string(tx.Status),
		Amount:         tx.Amount,
		BalanceBefore:  tx.BalanceBefore,
		BalanceAfter:   tx.BalanceAfter,
		IdempotencyKey: tx.IdempotencyKey,
		ExternalRef:    tx.ExternalRef,
		Description:    tx.Description,
		Metadata:       tx.Metadata,
		CreatedAt:      tx.CreatedAt,
		UpdatedAt:      tx.UpdatedAt,
	}
}

// NewTransactionResponses converts a page of domain transactions
func NewTransactionResponses(txs []*ledger.Transaction) []TransactionResponse {
	out := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, NewTransactionResponse(tx))
	}
	return out
}

// OptionalTime returns nil for the zero time
func OptionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
