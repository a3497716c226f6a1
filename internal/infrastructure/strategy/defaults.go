package strategy

import (
	"fmt"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/ledger/backend/internal/infrastructure/strategy/pricing"
	"github.com/shopspring/decimal"
)

// DefaultChainOrder is the evaluation order of the amount providers
var DefaultChainOrder = []string{
	pricing.NameExplicit,
	pricing.NameRateCard,
	pricing.NameTiered,
	pricing.NameFlatFee,
}

// NewRegistryFromConfig registers the explicit provider plus every priced
// provider the configuration defines.
func NewRegistryFromConfig(cfg config.PricingConfig) (*ProviderRegistry, error) {
	r := NewProviderRegistry()

	if err := r.Register(pricing.NewExplicitAmountProvider()); err != nil {
		return nil, err
	}

	if len(cfg.Rates) > 0 {
		rates := make(map[string]decimal.Decimal, len(cfg.Rates))
		for meter, raw := range cfg.Rates {
			price, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("pricing.rates.%s: %w", meter, err)
			}
			rates[meter] = price
		}
		if err := r.Register(pricing.NewRateCardAmountProvider(rates)); err != nil {
			return nil, err
		}
	}

	if len(cfg.Tiers) > 0 {
		tiers := make(map[string][]pricing.PriceTier, len(cfg.Tiers))
		for meter, steps := range cfg.Tiers {
			for i, step := range steps {
				price, err := decimal.NewFromString(step.UnitPrice)
				if err != nil {
					return nil, fmt.Errorf("pricing.tiers.%s[%d]: %w", meter, i, err)
				}
				tiers[meter] = append(tiers[meter], pricing.PriceTier{
					UpTo:      decimal.NewFromInt(step.UpTo),
					UnitPrice: price,
				})
			}
		}
		if err := r.Register(pricing.NewTieredAmountProvider(tiers)); err != nil {
			return nil, err
		}
	}

	if cfg.FallbackFee != "" {
		fee, err := decimal.NewFromString(cfg.FallbackFee)
		if err != nil {
			return nil, fmt.Errorf("pricing.fallback_fee: %w", err)
		}
		if fee.IsPositive() {
			if err := r.Register(pricing.NewFlatFeeAmountProvider(fee)); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// DefaultChain builds the provider chain for cfg in DefaultChainOrder
func DefaultChain(cfg config.PricingConfig) ([]ledger.AmountProvider, error) {
	r, err := NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return r.Chain(DefaultChainOrder...), nil
}
