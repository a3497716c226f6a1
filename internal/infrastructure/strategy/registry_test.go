package strategy

import (
	"context"
	"sync"
	"testing"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/ledger/backend/internal/infrastructure/strategy/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock provider for testing
type mockProvider struct {
	name string
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) ResolveAmount(context.Context, ledger.AmountQuery) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}

func TestProviderRegistry(t *testing.T) {
	r := NewProviderRegistry()

	require.NoError(t, r.Register(&mockProvider{name: "b"}))
	require.NoError(t, r.Register(&mockProvider{name: "a"}))

	err := r.Register(&mockProvider{name: "a"})
	assert.ErrorIs(t, err, ErrProviderExists)

	assert.Equal(t, []string{"a", "b"}, r.List())

	p, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	require.NoError(t, r.Unregister("a"))
	assert.ErrorIs(t, r.Unregister("a"), shared.ErrNotFound)
	assert.Equal(t, []string{"b"}, r.List())
}

func TestProviderRegistry_ChainSkipsUnregistered(t *testing.T) {
	r := NewProviderRegistry()
	require.NoError(t, r.Register(&mockProvider{name: "second"}))
	require.NoError(t, r.Register(&mockProvider{name: "first"}))

	chain := r.Chain("first", "missing", "second")
	require.Len(t, chain, 2)
	assert.Equal(t, "first", chain[0].Name())
	assert.Equal(t, "second", chain[1].Name())
}

func TestProviderRegistry_Concurrent(t *testing.T) {
	r := NewProviderRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(&mockProvider{name: string(rune('a' + i%26))})
		}(i)
		go func() {
			defer wg.Done()
			_ = r.List()
			_ = r.Chain(DefaultChainOrder...)
		}()
	}
	wg.Wait()
	assert.Len(t, r.List(), 26)
}

func TestDefaultChain(t *testing.T) {
	cfg := config.PricingConfig{
		Rates: map[string]string{"tokens": "0.001"},
		Tiers: map[string][]config.TierConfig{
			"calls": {{UpTo: 10, UnitPrice: "0.5"}, {UpTo: 0, UnitPrice: "0.25"}},
		},
		FallbackFee: "1",
	}

	chain, err := DefaultChain(cfg)
	require.NoError(t, err)
	names := make([]string, 0, len(chain))
	for _, p := range chain {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{pricing.NameExplicit, pricing.NameRateCard, pricing.NameTiered, pricing.NameFlatFee}, names)

	t.Run("empty config keeps only explicit", func(t *testing.T) {
		chain, err := DefaultChain(config.PricingConfig{})
		require.NoError(t, err)
		require.Len(t, chain, 1)
		assert.Equal(t, pricing.NameExplicit, chain[0].Name())
	})

	t.Run("malformed price", func(t *testing.T) {
		_, err := DefaultChain(config.PricingConfig{Rates: map[string]string{"x": "abc"}})
		assert.Error(t, err)
	})
}
