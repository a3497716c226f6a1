package ledger

import (
	"context"
	"fmt"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// AmountChain prices a request by asking each provider in order. The first
// provider that applies wins.
type AmountChain struct {
	providers []ledger.AmountProvider
}

// NewAmountChain creates a chain over providers, tried in the given order
func NewAmountChain(providers ...ledger.AmountProvider) *AmountChain {
	return &AmountChain{providers: providers}
}

// Providers returns the provider names in evaluation order
func (c *AmountChain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Resolve returns the amount and the name of the provider that produced it
func (c *AmountChain) Resolve(ctx context.Context, q ledger.AmountQuery) (decimal.Decimal, string, error) {
	for _, p := range c.providers {
		amount, ok, err := p.ResolveAmount(ctx, q)
		if err != nil {
			return decimal.Zero, "", fmt.Errorf("amount provider %s: %w", p.Name(), err)
		}
		if !ok {
			continue
		}
		if err := ledger.ValidateAmount(amount); err != nil {
			return decimal.Zero, "", fmt.Errorf("amount provider %s returned %s: %w", p.Name(), amount, err)
		}
		return amount, p.Name(), nil
	}
	return decimal.Zero, "", shared.ErrInvalidInput.WithMessage(
		fmt.Sprintf("no amount provider could price meter %q", q.Meter))
}
