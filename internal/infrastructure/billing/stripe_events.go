// Package billing decodes Stripe payment objects into ledger payment events.
package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
)

// DefaultAccountMetadataKey is the Stripe metadata field carrying the ledger account
const DefaultAccountMetadataKey = "account_id"

// ErrMissingAccount is returned when a Stripe object names no ledger account
var ErrMissingAccount = errors.New("stripe object has no ledger account in metadata")

// zeroDecimalCurrencies are charged in whole units by Stripe
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnitsToDecimal converts a Stripe integer amount to a decimal in major units
func MinorUnitsToDecimal(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// StripeEventMapper turns verified Stripe events into ledger payment events
type StripeEventMapper struct {
	accountKey string
}

// NewStripeEventMapper creates a mapper that reads the account from accountKey
func NewStripeEventMapper(accountKey string) *StripeEventMapper {
	if accountKey == "" {
		accountKey = DefaultAccountMetadataKey
	}
	return &StripeEventMapper{accountKey: accountKey}
}

// Handles reports whether the event type maps onto ledger events
func (m *StripeEventMapper) Handles(t stripe.EventType) bool {
	switch t {
	case stripe.EventTypePaymentIntentSucceeded,
		stripe.EventTypePaymentIntentPaymentFailed,
		stripe.EventTypeChargeRefunded:
		return true
	}
	return false
}

// Map decodes event. A charge.refunded event yields one payment event per
// refund so partial refunds are applied once each.
func (m *StripeEventMapper) Map(event stripe.Event) ([]ledger.PaymentEvent, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("stripe event %s has no data", event.ID)
	}
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		return m.mapPaymentIntent(event, ledger.PaymentEventSucceeded)
	case stripe.EventTypePaymentIntentPaymentFailed:
		return m.mapPaymentIntent(event, ledger.PaymentEventFailed)
	case stripe.EventTypeChargeRefunded:
		return m.mapChargeRefunded(event)
	}
	return nil, nil
}

func (m *StripeEventMapper) mapPaymentIntent(event stripe.Event, t ledger.PaymentEventType) ([]ledger.PaymentEvent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	accountID := pi.Metadata[m.accountKey]
	if accountID == "" {
		return nil, fmt.Errorf("payment intent %s: %w", pi.ID, ErrMissingAccount)
	}

	currency := string(pi.Currency)
	amount := pi.AmountReceived
	if t == ledger.PaymentEventFailed {
		amount = pi.Amount
	}
	return []ledger.PaymentEvent{{
		Type:        t,
		ExternalRef: pi.ID,
		Amount:      MinorUnitsToDecimal(amount, currency),
		AccountID:   accountID,
		Currency:    currency,
		Metadata:    stripeMetadata(event),
	}}, nil
}

func (m *StripeEventMapper) mapChargeRefunded(event stripe.Event) ([]ledger.PaymentEvent, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	accountID := charge.Metadata[m.accountKey]
	if accountID == "" && charge.PaymentIntent != nil {
		accountID = charge.PaymentIntent.Metadata[m.accountKey]
	}
	if accountID == "" {
		return nil, fmt.Errorf("charge %s: %w", charge.ID, ErrMissingAccount)
	}
	currency := string(charge.Currency)
	meta := stripeMetadata(event)
	meta["stripeChargeId"] = charge.ID

	if charge.Refunds == nil || len(charge.Refunds.Data) == 0 {
		// refunds are not expanded on newer API versions; apply the growth of
		// the charge total, keyed by the total so each partial refund is distinct
		delta := charge.AmountRefunded - previousAmountRefunded(event)
		if delta <= 0 {
			return nil, nil
		}
		meta["stripeAmountRefunded"] = charge.AmountRefunded
		return []ledger.PaymentEvent{{
			Type:        ledger.PaymentEventRefunded,
			ExternalRef: fmt.Sprintf("%s:%d", charge.ID, charge.AmountRefunded),
			Amount:      MinorUnitsToDecimal(delta, currency),
			AccountID:   accountID,
			Currency:    currency,
			Metadata:    meta,
		}}, nil
	}

	events := make([]ledger.PaymentEvent, 0, len(charge.Refunds.Data))
	for _, refund := range charge.Refunds.Data {
		if refund == nil || refund.Amount <= 0 {
			continue
		}
		if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
			continue
		}
		events = append(events, ledger.PaymentEvent{
			Type:        ledger.PaymentEventRefunded,
			ExternalRef: refund.ID,
			Amount:      MinorUnitsToDecimal(refund.Amount, currency),
			AccountID:   accountID,
			Currency:    currency,
			Metadata:    meta.Clone(),
		})
	}
	return events, nil
}

// previousAmountRefunded reads the charge total before this event, or 0 when
// the event does not carry it
func previousAmountRefunded(event stripe.Event) int64 {
	if event.Data == nil || event.Data.PreviousAttributes == nil {
		return 0
	}
	switch v := event.Data.PreviousAttributes["amount_refunded"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func stripeMetadata(event stripe.Event) ledger.Metadata {
	return ledger.Metadata{
		"stripeEventId":   event.ID,
		"stripeEventType": string(event.Type),
	}
}
