package pricing

import (
	"context"
	"testing"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestTieredAmountProvider_ResolveAmount(t *testing.T) {
	// Units 1-100: 0.01 each
	// Units 101-1000: 0.008 each
	// Beyond: 0.005 each
	p := NewTieredAmountProvider(map[string][]PriceTier{
		"api_calls": {
			{UpTo: decimal.Zero, UnitPrice: d("0.005")},
			{UpTo: d("1000"), UnitPrice: d("0.008")},
			{UpTo: d("100"), UnitPrice: d("0.01")},
		},
	})
	ctx := context.Background()

	tests := []struct {
		name     string
		quantity decimal.Decimal
		expected decimal.Decimal
	}{
		{"small quantity uses first tier", d("5"), d("0.05")},
		{"quantity at tier boundary uses that tier", d("100"), d("1")},
		{"quantity above boundary moves up", d("101"), d("0.808")},
		{"large quantity uses unbounded tier", d("5000"), d("25")},
		{"fractional result is rounded", d("0.00007"), d("0")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, ok, err := p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "api_calls", Quantity: tt.quantity})
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, tt.expected.Equal(amount), "expected %s, got %s", tt.expected, amount)
		})
	}
}

func TestTieredAmountProvider_SortsTiers(t *testing.T) {
	p := NewTieredAmountProvider(map[string][]PriceTier{
		"m": {
			{UpTo: decimal.Zero, UnitPrice: d("1")},
			{UpTo: d("50"), UnitPrice: d("3")},
			{UpTo: d("10"), UnitPrice: d("4")},
		},
	})
	tiers := p.Tiers("m")
	require.Len(t, tiers, 3)
	assert.True(t, tiers[0].UpTo.Equal(d("10")))
	assert.True(t, tiers[1].UpTo.Equal(d("50")))
	assert.True(t, tiers[2].UpTo.IsZero())
}

func TestTieredAmountProvider_BoundedOnly(t *testing.T) {
	p := NewTieredAmountProvider(map[string][]PriceTier{
		"m": {{UpTo: d("10"), UnitPrice: d("2")}},
	})
	amount, ok, err := p.ResolveAmount(context.Background(), ledger.AmountQuery{Meter: "m", Quantity: d("20")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d("40").Equal(amount))
}

func TestTieredAmountProvider_NotApplicable(t *testing.T) {
	p := NewTieredAmountProvider(map[string][]PriceTier{"m": {{UpTo: d("10"), UnitPrice: d("2")}}})
	ctx := context.Background()

	_, ok, err := p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "other", Quantity: d("1")})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "m", Quantity: decimal.Zero})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestRateCardAmountProvider(t *testing.T) {
	p := NewRateCardAmountProvider(map[string]decimal.Decimal{"tokens": d("0.0002")})
	ctx := context.Background()

	amount, ok, err := p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "tokens", Quantity: d("1500")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d("0.3").Equal(amount))

	_, ok, err = p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "minutes", Quantity: d("1")})
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = p.ResolveAmount(ctx, ledger.AmountQuery{Meter: "tokens", Quantity: d("-1")})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestExplicitAndFlatFeeProviders(t *testing.T) {
	ctx := context.Background()
	explicit := NewExplicitAmountProvider()
	amt := d("2.5")

	got, ok, err := explicit.ResolveAmount(ctx, ledger.AmountQuery{Explicit: &amt})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, amt.Equal(got))

	_, ok, _ = explicit.ResolveAmount(ctx, ledger.AmountQuery{Meter: "x"})
	assert.False(t, ok)

	fee := NewFlatFeeAmountProvider(d("0.1"))
	got, ok, err = fee.ResolveAmount(ctx, ledger.AmountQuery{Meter: "anything"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, d("0.1").Equal(got))

	_, ok, _ = NewFlatFeeAmountProvider(decimal.Zero).ResolveAmount(ctx, ledger.AmountQuery{})
	assert.False(t, ok)
}
