package ledger

import (
	"strings"
	"time"

	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// DefaultCurrency is used when an account is created without an explicit currency
const DefaultCurrency = "USD"

// MaxAccountIDLength bounds account identifiers to the column width
const MaxAccountIDLength = 128

// Account holds the current balance of a single billing account.
// Balance is only ever changed through a BalanceStore; Version advances on
// every successful mutation and backs the compare-and-swap update.
type Account struct {
	ID        string
	Balance   decimal.Decimal
	Currency  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAccount creates an account with a zero balance
func NewAccount(id, currency string) (*Account, error) {
	if err := ValidateAccountID(id); err != nil {
		return nil, err
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	now := time.Now()
	return &Account{
		ID:        id,
		Balance:   decimal.Zero,
		Currency:  strings.ToUpper(currency),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidateAccountID checks that an account identifier is usable as a key
func ValidateAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return shared.ErrInvalidInput.WithMessage("account id is required")
	}
	if len(id) > MaxAccountIDLength {
		return shared.ErrInvalidInput.WithMessage("account id is too long")
	}
	return nil
}

// AmountScale is the number of fractional digits persisted for money
const AmountScale = 4

// ValidateAmount checks that amount is positive and representable
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.Exponent() < -AmountScale && !amount.Equal(amount.Round(AmountScale)) {
		return shared.ErrInvalidInput.WithMessage("amount has more than 4 fractional digits")
	}
	return nil
}
