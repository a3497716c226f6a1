package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultMaxCASRetries bounds the compare-and-swap loop of a single adjust
const DefaultMaxCASRetries = 5

// deltaFunc decides the delta to apply given the locked balance
type deltaFunc func(before decimal.Decimal) (delta, shortfall decimal.Decimal, err error)

// GormBalanceStore implements ledger.BalanceStore. Each mutation locks the
// row (SELECT ... FOR UPDATE where supported) and writes with a version
// compare-and-swap, so the read, the funds check and the write form one
// indivisible step even when the store is used outside a transaction.
type GormBalanceStore struct {
	db         *gorm.DB
	maxRetries int
	onConflict func(ctx context.Context, accountID string, attempt int)
}

// BalanceStoreOption configures a GormBalanceStore
type BalanceStoreOption func(*GormBalanceStore)

// WithMaxCASRetries sets how many version conflicts are tolerated before the
// adjust fails with ErrTransientStore
func WithMaxCASRetries(n int) BalanceStoreOption {
	return func(s *GormBalanceStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithConflictHook registers a callback invoked on each lost compare-and-swap
func WithConflictHook(fn func(ctx context.Context, accountID string, attempt int)) BalanceStoreOption {
	return func(s *GormBalanceStore) {
		s.onConflict = fn
	}
}

// NewGormBalanceStore creates a new GormBalanceStore
func NewGormBalanceStore(db *gorm.DB, opts ...BalanceStoreOption) *GormBalanceStore {
	s := &GormBalanceStore{
		db:         db,
		maxRetries: DefaultMaxCASRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureAccount creates the account unless it already exists
func (s *GormBalanceStore) EnsureAccount(ctx context.Context, accountID, currency string) (*ledger.Account, error) {
	account, err := ledger.NewAccount(accountID, currency)
	if err != nil {
		return nil, err
	}
	model := models.AccountModelFromDomain(account)
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(model).Error
	if err != nil {
		return nil, classifyError(err)
	}
	return s.Get(ctx, accountID)
}

// Get returns the current account row
func (s *GormBalanceStore) Get(ctx context.Context, accountID string) (*ledger.Account, error) {
	var model models.AccountModel
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, classifyError(err)
	}
	account := model.ToDomain()
	account.Balance = account.Balance.Round(ledger.AmountScale)
	return account, nil
}

// AtomicAdjust applies signedAmount, refusing to take the balance below zero
func (s *GormBalanceStore) AtomicAdjust(ctx context.Context, accountID string, signedAmount decimal.Decimal) (ledger.AdjustResult, error) {
	return s.mutate(ctx, accountID, func(before decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		if before.Add(signedAmount).IsNegative() {
			return decimal.Zero, decimal.Zero, ledger.ErrInsufficientFunds.WithMessage(fmt.Sprintf(
				"account %s holds %s, cannot apply %s", accountID, before, signedAmount))
		}
		return signedAmount, decimal.Zero, nil
	})
}

// AtomicAdjustClamped applies as much of a debit as the balance allows
func (s *GormBalanceStore) AtomicAdjustClamped(ctx context.Context, accountID string, signedAmount decimal.Decimal) (ledger.AdjustResult, error) {
	return s.mutate(ctx, accountID, func(before decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		after := before.Add(signedAmount)
		if after.IsNegative() {
			return before.Neg(), after.Neg(), nil
		}
		return signedAmount, decimal.Zero, nil
	})
}

// AtomicSet moves the balance to target using a delta taken from the locked row
func (s *GormBalanceStore) AtomicSet(ctx context.Context, accountID string, target decimal.Decimal) (ledger.AdjustResult, error) {
	if target.IsNegative() {
		return ledger.AdjustResult{}, shared.ErrInvalidInput.WithMessage("target balance cannot be negative")
	}
	return s.mutate(ctx, accountID, func(before decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
		return target.Sub(before), decimal.Zero, nil
	})
}

func (s *GormBalanceStore) mutate(ctx context.Context, accountID string, decide deltaFunc) (ledger.AdjustResult, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		var model models.AccountModel
		err := s.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", accountID).
			Take(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.AdjustResult{}, ledger.ErrAccountNotFound
			}
			return ledger.AdjustResult{}, classifyError(err)
		}

		before := model.Balance.Round(ledger.AmountScale)
		delta, shortfall, err := decide(before)
		if err != nil {
			return ledger.AdjustResult{}, err
		}
		after := before.Add(delta)
		if after.IsNegative() {
			return ledger.AdjustResult{}, ledger.ErrInvariantViolation.WithMessage(fmt.Sprintf(
				"adjust would leave account %s at %s", accountID, after))
		}

		result := s.db.WithContext(ctx).
			Model(&models.AccountModel{}).
			Where("account_id = ? AND version = ?", accountID, model.Version).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", delta),
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if result.Error != nil {
			return ledger.AdjustResult{}, classifyError(result.Error)
		}
		if result.RowsAffected == 1 {
			return ledger.AdjustResult{BalanceBefore: before, BalanceAfter: after, Shortfall: shortfall}, nil
		}
		if s.onConflict != nil {
			s.onConflict(ctx, accountID, attempt)
		}
	}
	return ledger.AdjustResult{}, ledger.ErrTransientStore.WithMessage(fmt.Sprintf(
		"account %s: gave up after %d concurrent modifications", accountID, s.maxRetries))
}

// Ensure GormBalanceStore implements BalanceStore
var _ ledger.BalanceStore = (*GormBalanceStore)(nil)
