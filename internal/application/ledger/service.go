package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultSweepBatchSize bounds how many expired reservations one sweep page releases
const DefaultSweepBatchSize = 100

// Service is the ledger API. Every balance change runs inside a LedgerScope
// unit of work and writes its transaction in the same commit.
type Service struct {
	scope             LedgerScope
	reader            LedgerRepositories
	cache             ledger.BalanceCache
	amounts           *AmountChain
	statements        *StatementService
	metrics           Metrics
	retry             RetryPolicy
	defaultCurrency   string
	auditFailedEvents bool
	sweepBatchSize    int
	now               func() time.Time

	reservations   *ReservationManager
	reconciliation *ReconciliationGateway
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithBalanceCache serves GetBalance through cache. The same instance must be
// the scope's invalidator.
func WithBalanceCache(cache ledger.BalanceCache) ServiceOption {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithAmountChain prices reservations that carry a meter instead of an amount
func WithAmountChain(chain *AmountChain) ServiceOption {
	return func(s *Service) {
		s.amounts = chain
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithRetryPolicy sets the backoff used for transient store failures
func WithRetryPolicy(p RetryPolicy) ServiceOption {
	return func(s *Service) {
		s.retry = p
	}
}

// WithDefaultCurrency sets the currency of lazily created accounts
func WithDefaultCurrency(currency string) ServiceOption {
	return func(s *Service) {
		if currency != "" {
			s.defaultCurrency = currency
		}
	}
}

// WithAuditFailedEvents toggles the zero-amount marker written for failed payments
func WithAuditFailedEvents(enabled bool) ServiceOption {
	return func(s *Service) {
		s.auditFailedEvents = enabled
	}
}

// WithSweepBatchSize sets the page size of expiry sweeps
func WithSweepBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatchSize = n
		}
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the ledger service. reader serves queries outside any
// unit of work.
func NewService(scope LedgerScope, reader LedgerRepositories, opts ...ServiceOption) *Service {
	s := &Service{
		scope:             scope,
		reader:            reader,
		metrics:           noopMetrics{},
		retry:             DefaultRetryPolicy(),
		defaultCurrency:   ledger.DefaultCurrency,
		auditFailedEvents: true,
		sweepBatchSize:    DefaultSweepBatchSize,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reservations = &ReservationManager{svc: s}
	s.reconciliation = &ReconciliationGateway{svc: s}
	return s
}

// Reservations returns the two-phase reservation component
func (s *Service) Reservations() *ReservationManager {
	return s.reservations
}

// Reconciliation returns the payment event component
func (s *Service) Reconciliation() *ReconciliationGateway {
	return s.reconciliation
}

// Reserve delegates to the ReservationManager
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	return s.reservations.Reserve(ctx, req)
}

// Finalize delegates to the ReservationManager
func (s *Service) Finalize(ctx context.Context, txID uuid.UUID) (bool, error) {
	return s.reservations.Finalize(ctx, txID)
}

// Release delegates to the ReservationManager
func (s *Service) Release(ctx context.Context, txID uuid.UUID, description string) (ReleaseResult, error) {
	return s.reservations.Release(ctx, txID, description)
}

// SweepExpiredReservations delegates to the ReservationManager
func (s *Service) SweepExpiredReservations(ctx context.Context, olderThan time.Duration) (stats SweepStats, err error) {
	telemetry.WithProfilingLabels(ctx, telemetry.OperationLabels("sweep_reservations"), func(ctx context.Context) {
		stats, err = s.reservations.SweepExpired(ctx, olderThan)
	})
	return stats, err
}

// Reconcile delegates to the ReconciliationGateway
func (s *Service) Reconcile(ctx context.Context, event ledger.PaymentEvent) (ReconcileResult, error) {
	return s.reconciliation.Reconcile(ctx, event)
}

// Deposit credits an account, creating it on first use
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (DepositResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "deposit")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, req.AccountID,
		telemetry.SpanAttrAmount, req.Amount.String(),
		telemetry.SpanAttrIdempotencyKey, req.IdempotencyKey,
	)

	if err := ledger.ValidateAccountID(req.AccountID); err != nil {
		telemetry.RecordError(span, err)
		return DepositResult{}, err
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		telemetry.RecordError(span, err)
		return DepositResult{}, err
	}
	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	ctx = logger.WithAccountID(ctx, req.AccountID)

	start := time.Now()
	res, err := withRetry(ctx, s.retry, s.metrics, "deposit", func() (DepositResult, error) {
		var out DepositResult
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			if _, err := repos.Balances().EnsureAccount(ctx, req.AccountID, currency); err != nil {
				return err
			}
			existing, found, err := findByKey(ctx, repos.Transactions(), req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				if err := checkReplay(existing, ledger.TransactionTypeDeposit, req.AccountID); err != nil {
					return err
				}
				out = DepositResult{TransactionID: existing.ID, BalanceAfter: existing.BalanceAfter, Duplicate: true}
				return nil
			}

			adj, err := repos.Balances().AtomicAdjust(ctx, req.AccountID, req.Amount)
			if err != nil {
				return err
			}
			tx, err := ledger.NewTransaction(ledger.TransactionParams{
				AccountID:      req.AccountID,
				Type:           ledger.TransactionTypeDeposit,
				Amount:         req.Amount,
				BalanceBefore:  adj.BalanceBefore,
				BalanceAfter:   adj.BalanceAfter,
				IdempotencyKey: req.IdempotencyKey,
				Status:         ledger.TransactionStatusCompleted,
				ExternalRef:    req.ExternalRef,
				Description:    req.Description,
				Metadata:       req.Metadata.Clone(),
			})
			if err != nil {
				return err
			}
			written, err := appendOnce(ctx, repos.Transactions(), tx)
			if err != nil {
				return err
			}
			out = DepositResult{TransactionID: written.ID, BalanceAfter: written.BalanceAfter}
			return nil
		})
		return out, err
	})
	s.metrics.RecordAdjust(ctx, ledger.TransactionTypeDeposit, adjustOutcome(err), time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		logger.L(ctx).Warn("Deposit failed", zap.Error(err))
		return DepositResult{}, err
	}

	telemetry.SetAttribute(span, telemetry.SpanAttrTransactionID, res.TransactionID.String())
	telemetry.SetOK(span)
	return res, nil
}

// GetBalance returns the cached balance of an account. An account that was
// never created has a balance of zero.
func (s *Service) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return decimal.Zero, err
	}
	if s.cache == nil {
		return s.loadBalance(ctx, accountID)
	}
	return s.cache.GetOrLoad(ctx, accountID, s.loadBalance)
}

func (s *Service) loadBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := s.reader.Balances().Get(ctx, accountID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return account.Balance, nil
}

// GetAccount returns the stored account
func (s *Service) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	return s.reader.Balances().Get(ctx, accountID)
}

// GetTransaction returns a single transaction
func (s *Service) GetTransaction(ctx context.Context, txID uuid.UUID) (*ledger.Transaction, error) {
	return s.reader.Transactions().GetByID(ctx, txID)
}

// GetTransactions lists an account's transactions, newest first
func (s *Service) GetTransactions(ctx context.Context, accountID string, limit, offset int) ([]*ledger.Transaction, error) {
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, shared.ErrInvalidInput.WithMessage("limit and offset must not be negative")
	}
	return s.reader.Transactions().GetByAccount(ctx, accountID, limit, offset)
}

// SumByType totals the amounts of one transaction type in a window. A zero
// bound leaves that side open.
func (s *Service) SumByType(ctx context.Context, accountID string, txType ledger.TransactionType, from, to time.Time) (decimal.Decimal, error) {
	if err := ledger.ValidateAccountID(accountID); err != nil {
		return decimal.Zero, err
	}
	if !txType.IsValid() {
		return decimal.Zero, shared.ErrInvalidInput.WithMessage("unknown transaction type " + string(txType))
	}
	window := ledger.TimeWindow{From: from, To: to}
	if err := window.Validate(); err != nil {
		return decimal.Zero, err
	}
	return s.reader.Transactions().SumByType(ctx, accountID, txType, window)
}

// SetBalance moves an account to an exact balance by writing an adjustment
// for the difference observed under the row lock.
func (s *Service) SetBalance(ctx context.Context, req SetBalanceRequest) (SetBalanceResult, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "set_balance")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, req.AccountID,
		telemetry.SpanAttrAmount, req.Target.String(),
	)

	if err := ledger.ValidateAccountID(req.AccountID); err != nil {
		return SetBalanceResult{}, err
	}
	if req.Target.IsNegative() {
		return SetBalanceResult{}, shared.ErrInvalidInput.WithMessage("target balance must not be negative")
	}
	if !req.Target.Equal(req.Target.Round(ledger.AmountScale)) {
		return SetBalanceResult{}, shared.ErrInvalidInput.WithMessage("target balance has more than 4 fractional digits")
	}
	ctx = logger.WithAccountID(ctx, req.AccountID)

	start := time.Now()
	res, err := withRetry(ctx, s.retry, s.metrics, "set_balance", func() (SetBalanceResult, error) {
		var out SetBalanceResult
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			if _, err := repos.Balances().EnsureAccount(ctx, req.AccountID, s.defaultCurrency); err != nil {
				return err
			}
			existing, found, err := findByKey(ctx, repos.Transactions(), req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				if err := checkReplay(existing, ledger.TransactionTypeAdjustment, req.AccountID); err != nil {
					return err
				}
				out = SetBalanceResult{
					AdjustResult:  ledger.AdjustResult{BalanceBefore: existing.BalanceBefore, BalanceAfter: existing.BalanceAfter},
					TransactionID: existing.ID,
					Duplicate:     true,
				}
				return nil
			}

			adj, err := repos.Balances().AtomicSet(ctx, req.AccountID, req.Target)
			if err != nil {
				return err
			}
			tx, err := ledger.NewTransaction(ledger.TransactionParams{
				AccountID:      req.AccountID,
				Type:           ledger.TransactionTypeAdjustment,
				Amount:         adj.Applied(),
				BalanceBefore:  adj.BalanceBefore,
				BalanceAfter:   adj.BalanceAfter,
				IdempotencyKey: req.IdempotencyKey,
				Status:         ledger.TransactionStatusCompleted,
				Description:    "balance set by operator",
				Metadata: ledger.Metadata{
					ledger.MetaTargetBalance: req.Target.String(),
					ledger.MetaReason:        req.Reason,
				},
			})
			if err != nil {
				return err
			}
			written, err := appendOnce(ctx, repos.Transactions(), tx)
			if err != nil {
				return err
			}
			out = SetBalanceResult{AdjustResult: adj, TransactionID: written.ID}
			return nil
		})
		return out, err
	})
	s.metrics.RecordAdjust(ctx, ledger.TransactionTypeAdjustment, adjustOutcome(err), time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return SetBalanceResult{}, err
	}

	logger.L(ctx).Info("Balance set by operator",
		zap.String("before", res.BalanceBefore.String()),
		zap.String("after", res.BalanceAfter.String()),
		zap.String("reason", req.Reason),
		zap.Bool("duplicate", res.Duplicate))
	telemetry.SetOK(span)
	return res, nil
}

// findByKey looks up a transaction by idempotency key. An empty key never matches.
func findByKey(ctx context.Context, txs ledger.TransactionLedger, key string) (*ledger.Transaction, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	existing, err := txs.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

// checkReplay accepts a row found under an idempotency key only when it is
// the kind of transaction the caller would have written for that account.
func checkReplay(existing *ledger.Transaction, txType ledger.TransactionType, accountID string) error {
	if existing.Type != txType || existing.AccountID != accountID {
		return shared.ErrInvalidInput.WithMessage("idempotency key already used by another transaction")
	}
	return nil
}

// appendOnce appends tx and treats a concurrent duplicate as a lost race, so
// the balance change made earlier in the unit of work is rolled back.
func appendOnce(ctx context.Context, txs ledger.TransactionLedger, tx *ledger.Transaction) (*ledger.Transaction, error) {
	res, err := txs.Append(ctx, tx)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return nil, ledger.ErrIdempotencyRace
	}
	return res.Transaction, nil
}
