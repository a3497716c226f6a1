// Package pricing holds the amount providers consulted when a reservation
// does not carry an explicit amount.
package pricing

import (
	"context"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// Provider names
const (
	NameExplicit = "explicit"
	NameRateCard = "rate_card"
	NameTiered   = "tiered"
	NameFlatFee  = "flat_fee"
)

func roundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(ledger.AmountScale)
}

// ExplicitAmountProvider uses the amount the caller supplied
type ExplicitAmountProvider struct{}

// NewExplicitAmountProvider creates an ExplicitAmountProvider
func NewExplicitAmountProvider() *ExplicitAmountProvider {
	return &ExplicitAmountProvider{}
}

// Name returns the provider name
func (p *ExplicitAmountProvider) Name() string {
	return NameExplicit
}

// ResolveAmount applies whenever the query carries an amount
func (p *ExplicitAmountProvider) ResolveAmount(_ context.Context, q ledger.AmountQuery) (decimal.Decimal, bool, error) {
	if q.Explicit == nil {
		return decimal.Zero, false, nil
	}
	return *q.Explicit, true, nil
}

// RateCardAmountProvider multiplies the quantity by a per-meter unit price
type RateCardAmountProvider struct {
	rates map[string]decimal.Decimal
}

// NewRateCardAmountProvider creates a rate card provider
func NewRateCardAmountProvider(rates map[string]decimal.Decimal) *RateCardAmountProvider {
	cp := make(map[string]decimal.Decimal, len(rates))
	for meter, price := range rates {
		cp[meter] = price
	}
	return &RateCardAmountProvider{rates: cp}
}

// Name returns the provider name
func (p *RateCardAmountProvider) Name() string {
	return NameRateCard
}

// ResolveAmount applies when the meter has a rate
func (p *RateCardAmountProvider) ResolveAmount(_ context.Context, q ledger.AmountQuery) (decimal.Decimal, bool, error) {
	price, ok := p.rates[q.Meter]
	if !ok {
		return decimal.Zero, false, nil
	}
	if !q.Quantity.IsPositive() {
		return decimal.Zero, false, shared.ErrInvalidInput.WithMessage("quantity must be positive")
	}
	return roundAmount(price.Mul(q.Quantity)), true, nil
}

// FlatFeeAmountProvider charges a fixed fee for any request. It is meant to
// sit last in the chain.
type FlatFeeAmountProvider struct {
	fee decimal.Decimal
}

// NewFlatFeeAmountProvider creates a flat fee provider
func NewFlatFeeAmountProvider(fee decimal.Decimal) *FlatFeeAmountProvider {
	return &FlatFeeAmountProvider{fee: fee}
}

// Name returns the provider name
func (p *FlatFeeAmountProvider) Name() string {
	return NameFlatFee
}

// ResolveAmount applies whenever a positive fee is configured
func (p *FlatFeeAmountProvider) ResolveAmount(context.Context, ledger.AmountQuery) (decimal.Decimal, bool, error) {
	if !p.fee.IsPositive() {
		return decimal.Zero, false, nil
	}
	return p.fee, true, nil
}

var (
	_ ledger.AmountProvider = (*ExplicitAmountProvider)(nil)
	_ ledger.AmountProvider = (*RateCardAmountProvider)(nil)
	_ ledger.AmountProvider = (*FlatFeeAmountProvider)(nil)
)
