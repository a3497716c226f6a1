package ledger

import (
	"fmt"
	"strings"

	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PaymentEventType is the kind of external payment notification
type PaymentEventType string

const (
	PaymentEventSucceeded PaymentEventType = "succeeded"
	PaymentEventFailed    PaymentEventType = "failed"
	PaymentEventRefunded  PaymentEventType = "refunded"
)

// IsValid returns true if the event type is known
func (t PaymentEventType) IsValid() bool {
	switch t {
	case PaymentEventSucceeded, PaymentEventFailed, PaymentEventRefunded:
		return true
	}
	return false
}

// PaymentEvent is a gateway notification. ExternalRef is the gateway's stable
// identifier; IdempotencyKey derives the key of the resulting transaction.
type PaymentEvent struct {
	Type        PaymentEventType
	ExternalRef string
	Amount      decimal.Decimal
	AccountID   string
	Currency    string
	Metadata    Metadata
}

// Validate checks that the event can be applied
func (e PaymentEvent) Validate() error {
	if !e.Type.IsValid() {
		return shared.ErrInvalidInput.WithMessage(fmt.Sprintf("unknown payment event type %q", e.Type))
	}
	if strings.TrimSpace(e.ExternalRef) == "" {
		return shared.ErrInvalidInput.WithMessage("external reference is required")
	}
	if err := ValidateAccountID(e.AccountID); err != nil {
		return err
	}
	if e.Type != PaymentEventFailed && !e.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// FailedMarkerKey is the idempotency key of the audit row written for a
// failed event. It differs from ExternalRef so a later success still applies.
func (e PaymentEvent) FailedMarkerKey() string {
	return e.ExternalRef + ":failed"
}

// RefundKey is the idempotency key of the refund written for a refunded
// event, kept apart from the payment's own key.
func (e PaymentEvent) RefundKey() string {
	return e.ExternalRef + ":refunded"
}

// IdempotencyKey is the key the event's transaction is recorded under
func (e PaymentEvent) IdempotencyKey() string {
	switch e.Type {
	case PaymentEventFailed:
		return e.FailedMarkerKey()
	case PaymentEventRefunded:
		return e.RefundKey()
	}
	return e.ExternalRef
}

// TransactionType is the type of the transaction the event records
func (e PaymentEvent) TransactionType() TransactionType {
	if e.Type == PaymentEventRefunded {
		return TransactionTypeRefund
	}
	return TransactionTypeDeposit
}
