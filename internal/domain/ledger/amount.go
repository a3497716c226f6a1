package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// AmountQuery describes what a caller wants to charge for
type AmountQuery struct {
	AccountID string
	Meter     string
	Quantity  decimal.Decimal
	// Explicit is set when the caller already knows the amount
	Explicit *decimal.Decimal
}

// AmountProvider resolves the price of a request. A provider that does not
// apply returns ok=false so the next provider in the chain is consulted.
type AmountProvider interface {
	Name() string
	ResolveAmount(ctx context.Context, q AmountQuery) (amount decimal.Decimal, ok bool, err error)
}
