package persistence

import (
	"context"
	"sync"

	appledger "github.com/ledger/backend/internal/application/ledger"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GormLedgerScope implements LedgerScope using GORM transactions.
type GormLedgerScope struct {
	db          *gorm.DB
	storeOpts   []BalanceStoreOption
	invalidator ledger.BalanceInvalidator
}

// LedgerScopeOption configures a GormLedgerScope
type LedgerScopeOption func(*GormLedgerScope)

// WithBalanceStoreOptions passes options to the balance store created per unit of work
func WithBalanceStoreOptions(opts ...BalanceStoreOption) LedgerScopeOption {
	return func(s *GormLedgerScope) {
		s.storeOpts = append(s.storeOpts, opts...)
	}
}

// WithInvalidator sets the cache invalidated after each commit
func WithInvalidator(inv ledger.BalanceInvalidator) LedgerScopeOption {
	return func(s *GormLedgerScope) {
		s.invalidator = inv
	}
}

// NewGormLedgerScope creates a new GormLedgerScope
func NewGormLedgerScope(db *gorm.DB, opts ...LedgerScopeOption) *GormLedgerScope {
	s := &GormLedgerScope{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs fn within a database transaction. If fn returns an error the
// transaction is rolled back and no cache entry is touched.
func (s *GormLedgerScope) Execute(ctx context.Context, fn func(repos appledger.LedgerRepositories) error) error {
	repos := &gormLedgerRepositories{touched: make(map[string]struct{})}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos.tx = tx
		repos.balances = &trackingBalanceStore{
			BalanceStore: NewGormBalanceStore(tx, s.storeOpts...),
			repos:        repos,
		}
		return fn(repos)
	})
	if err != nil {
		return classifyError(err)
	}

	if s.invalidator != nil {
		for accountID := range repos.touched {
			if invErr := s.invalidator.Invalidate(ctx, accountID); invErr != nil {
				logger.L(ctx).Warn("Failed to invalidate cached balance",
					zap.String("account_id", accountID),
					zap.Error(invErr))
			}
		}
	}
	return nil
}

// Reader returns repositories bound to the pool rather than a transaction.
// They serve queries; mutations made through them skip cache invalidation.
func (s *GormLedgerScope) Reader() appledger.LedgerRepositories {
	return &gormReadRepositories{db: s.db}
}

type gormReadRepositories struct {
	db *gorm.DB
}

func (r *gormReadRepositories) Balances() ledger.BalanceStore {
	return NewGormBalanceStore(r.db)
}

func (r *gormReadRepositories) Transactions() ledger.TransactionLedger {
	return NewGormTransactionLedger(r.db)
}

// gormLedgerRepositories provides access to all repositories within a transaction.
type gormLedgerRepositories struct {
	tx       *gorm.DB
	balances *trackingBalanceStore
	mu       sync.Mutex
	touched  map[string]struct{}
}

// Balances returns the balance store scoped to the current transaction
func (r *gormLedgerRepositories) Balances() ledger.BalanceStore {
	return r.balances
}

// Transactions returns the transaction ledger scoped to the current transaction
func (r *gormLedgerRepositories) Transactions() ledger.TransactionLedger {
	return NewGormTransactionLedger(r.tx)
}

func (r *gormLedgerRepositories) touch(accountID string) {
	r.mu.Lock()
	r.touched[accountID] = struct{}{}
	r.mu.Unlock()
}

// trackingBalanceStore records which accounts a unit of work adjusted
type trackingBalanceStore struct {
	ledger.BalanceStore
	repos *gormLedgerRepositories
}

func (s *trackingBalanceStore) AtomicAdjust(ctx context.Context, accountID string, signedAmount decimal.Decimal) (ledger.AdjustResult, error) {
	res, err := s.BalanceStore.AtomicAdjust(ctx, accountID, signedAmount)
	if err == nil {
		s.repos.touch(accountID)
	}
	return res, err
}

func (s *trackingBalanceStore) AtomicAdjustClamped(ctx context.Context, accountID string, signedAmount decimal.Decimal) (ledger.AdjustResult, error) {
	res, err := s.BalanceStore.AtomicAdjustClamped(ctx, accountID, signedAmount)
	if err == nil {
		s.repos.touch(accountID)
	}
	return res, err
}

func (s *trackingBalanceStore) AtomicSet(ctx context.Context, accountID string, target decimal.Decimal) (ledger.AdjustResult, error) {
	res, err := s.BalanceStore.AtomicSet(ctx, accountID, target)
	if err == nil {
		s.repos.touch(accountID)
	}
	return res, err
}

// Ensure GormLedgerScope implements LedgerScope
var _ appledger.LedgerScope = (*GormLedgerScope)(nil)

// Ensure gormLedgerRepositories implements LedgerRepositories
var _ appledger.LedgerRepositories = (*gormLedgerRepositories)(nil)
