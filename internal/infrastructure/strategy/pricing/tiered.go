package pricing

import (
	"context"
	"sort"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// PriceTier is one volume step. A quantity up to and including UpTo is billed
// at UnitPrice for every unit. A zero UpTo means unbounded.
type PriceTier struct {
	UpTo      decimal.Decimal `json:"up_to"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// TieredAmountProvider prices a meter by volume: the whole quantity is
// billed at the unit price of the tier it falls into.
type TieredAmountProvider struct {
	tiers map[string][]PriceTier
}

// NewTieredAmountProvider creates a tiered provider. Tiers may be given in
// any order; they are sorted by bound with the unbounded tier last.
func NewTieredAmountProvider(tiers map[string][]PriceTier) *TieredAmountProvider {
	sorted := make(map[string][]PriceTier, len(tiers))
	for meter, steps := range tiers {
		cp := make([]PriceTier, len(steps))
		copy(cp, steps)
		sort.SliceStable(cp, func(i, j int) bool {
			if cp[i].UpTo.IsZero() {
				return false
			}
			if cp[j].UpTo.IsZero() {
				return true
			}
			return cp[i].UpTo.LessThan(cp[j].UpTo)
		})
		sorted[meter] = cp
	}
	return &TieredAmountProvider{tiers: sorted}
}

// Name returns the provider name
func (p *TieredAmountProvider) Name() string {
	return NameTiered
}

// Tiers returns a copy of the tiers of meter
func (p *TieredAmountProvider) Tiers(meter string) []PriceTier {
	out := make([]PriceTier, len(p.tiers[meter]))
	copy(out, p.tiers[meter])
	return out
}

// ResolveAmount applies when the meter has tiers. A quantity above the last
// bound uses the last tier.
func (p *TieredAmountProvider) ResolveAmount(_ context.Context, q ledger.AmountQuery) (decimal.Decimal, bool, error) {
	steps, ok := p.tiers[q.Meter]
	if !ok || len(steps) == 0 {
		return decimal.Zero, false, nil
	}
	if !q.Quantity.IsPositive() {
		return decimal.Zero, false, shared.ErrInvalidInput.WithMessage("quantity must be positive")
	}

	unit := steps[len(steps)-1].UnitPrice
	for _, step := range steps {
		if step.UpTo.IsZero() || q.Quantity.LessThanOrEqual(step.UpTo) {
			unit = step.UnitPrice
			break
		}
	}
	return roundAmount(unit.Mul(q.Quantity)), true, nil
}

var _ ledger.AmountProvider = (*TieredAmountProvider)(nil)
