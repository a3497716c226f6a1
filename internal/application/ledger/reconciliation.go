package ledger

import (
	"context"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reconcile result labels
const (
	reconcileApplied = "applied"
	reconcileNoop    = "noop"
	reconcileSkipped = "skipped"
	reconcileError   = "error"
)

// ReconciliationGateway applies external payment events. Events may arrive
// more than once and in any order; each one is keyed so it takes effect once.
type ReconciliationGateway struct {
	svc *Service
}

// Reconcile applies a payment event to its account, creating the account if
// needed. A succeeded event credits, a refunded event debits as far as the
// balance allows and a failed event only leaves an audit marker.
func (g *ReconciliationGateway) Reconcile(ctx context.Context, event ledger.PaymentEvent) (ReconcileResult, error) {
	s := g.svc
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "reconcile")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, event.AccountID,
		telemetry.SpanAttrEventType, string(event.Type),
		telemetry.SpanAttrExternalRef, event.ExternalRef,
		telemetry.SpanAttrAmount, event.Amount.String(),
	)

	if err := event.Validate(); err != nil {
		telemetry.RecordError(span, err)
		s.metrics.RecordReconcile(ctx, event.Type, reconcileError)
		return ReconcileResult{}, err
	}
	if event.Type != ledger.PaymentEventFailed {
		if err := ledger.ValidateAmount(event.Amount); err != nil {
			telemetry.RecordError(span, err)
			s.metrics.RecordReconcile(ctx, event.Type, reconcileError)
			return ReconcileResult{}, err
		}
	}
	ctx = logger.WithAccountID(ctx, event.AccountID)
	log := logger.L(ctx).With(
		zap.String("event_type", string(event.Type)),
		zap.String("external_ref", event.ExternalRef))

	if event.Type == ledger.PaymentEventFailed && !s.auditFailedEvents {
		log.Info("Payment failed; audit markers disabled")
		s.metrics.RecordReconcile(ctx, event.Type, reconcileSkipped)
		telemetry.SetOK(span)
		return ReconcileResult{}, nil
	}

	currency := event.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}

	start := time.Now()
	res, err := withRetry(ctx, s.retry, s.metrics, "reconcile", func() (ReconcileResult, error) {
		var out ReconcileResult
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			if _, err := repos.Balances().EnsureAccount(ctx, event.AccountID, currency); err != nil {
				return err
			}
			key := event.IdempotencyKey()
			existing, found, err := findByKey(ctx, repos.Transactions(), key)
			if err != nil {
				return err
			}
			if found {
				if err := checkReplay(existing, event.TransactionType(), event.AccountID); err != nil {
					return err
				}
				out = ReconcileResult{TransactionID: existing.ID, BalanceAfter: existing.BalanceAfter, Noop: true}
				return nil
			}

			params, shortfall, err := g.apply(ctx, repos.Balances(), event)
			if err != nil {
				return err
			}
			params.IdempotencyKey = key
			tx, err := ledger.NewTransaction(params)
			if err != nil {
				return err
			}
			written, err := appendOnce(ctx, repos.Transactions(), tx)
			if err != nil {
				return err
			}
			out = ReconcileResult{TransactionID: written.ID, BalanceAfter: written.BalanceAfter, Shortfall: shortfall}
			return nil
		})
		return out, err
	})
	if event.Type != ledger.PaymentEventFailed {
		s.metrics.RecordAdjust(ctx, event.TransactionType(), adjustOutcome(err), time.Since(start))
	}
	if err != nil {
		s.metrics.RecordReconcile(ctx, event.Type, reconcileError)
		telemetry.RecordError(span, err)
		log.Error("Failed to reconcile payment event", zap.Error(err))
		return ReconcileResult{}, err
	}

	if res.Noop {
		s.metrics.RecordReconcile(ctx, event.Type, reconcileNoop)
		log.Debug("Payment event already applied", zap.String("transaction_id", res.TransactionID.String()))
	} else {
		s.metrics.RecordReconcile(ctx, event.Type, reconcileApplied)
		log.Info("Payment event applied",
			zap.String("transaction_id", res.TransactionID.String()),
			zap.String("balance_after", res.BalanceAfter.String()))
	}
	if res.Shortfall.IsPositive() {
		log.Warn("Refund exceeded available balance",
			zap.String("requested", event.Amount.String()),
			zap.String("unrecovered", res.Shortfall.String()))
	}
	telemetry.SetAttribute(span, telemetry.SpanAttrTransactionID, res.TransactionID.String())
	telemetry.SetOK(span)
	return res, nil
}

// apply performs the balance effect of event and returns the transaction to record
func (g *ReconciliationGateway) apply(ctx context.Context, balances ledger.BalanceStore, event ledger.PaymentEvent) (ledger.TransactionParams, decimal.Decimal, error) {
	meta := event.Metadata.Clone()
	meta[ledger.MetaEventType] = string(event.Type)
	params := ledger.TransactionParams{
		AccountID:   event.AccountID,
		ExternalRef: event.ExternalRef,
		Metadata:    meta,
	}

	switch event.Type {
	case ledger.PaymentEventSucceeded:
		adj, err := balances.AtomicAdjust(ctx, event.AccountID, event.Amount)
		if err != nil {
			return params, decimal.Zero, err
		}
		params.Type = ledger.TransactionTypeDeposit
		params.Amount = event.Amount
		params.BalanceBefore, params.BalanceAfter = adj.BalanceBefore, adj.BalanceAfter
		params.Status = ledger.TransactionStatusCompleted
		params.Description = "payment received"
		return params, decimal.Zero, nil

	case ledger.PaymentEventRefunded:
		adj, err := balances.AtomicAdjustClamped(ctx, event.AccountID, event.Amount.Neg())
		if err != nil {
			return params, decimal.Zero, err
		}
		meta[ledger.MetaRequestedAmount] = event.Amount.String()
		if adj.Shortfall.IsPositive() {
			meta[ledger.MetaUnrecoveredShortfall] = adj.Shortfall.String()
		}
		params.Type = ledger.TransactionTypeRefund
		params.Amount = adj.Applied()
		params.BalanceBefore, params.BalanceAfter = adj.BalanceBefore, adj.BalanceAfter
		params.Status = ledger.TransactionStatusCompleted
		params.Description = "payment refunded"
		return params, adj.Shortfall, nil

	default:
		account, err := balances.Get(ctx, event.AccountID)
		if err != nil {
			return params, decimal.Zero, err
		}
		params.Type = ledger.TransactionTypeDeposit
		params.Amount = decimal.Zero
		params.BalanceBefore, params.BalanceAfter = account.Balance, account.Balance
		params.Status = ledger.TransactionStatusFailed
		params.Description = "payment failed"
		return params, decimal.Zero, nil
	}
}
