package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// ReleaseKeyPrefix prefixes the idempotency key of a release refund
	ReleaseKeyPrefix = "release:"

	// ExpiredReservationDescription is written on refunds issued by the sweeper
	ExpiredReservationDescription = "reservation expired"

	defaultReleaseDescription = "reservation released"
	amountSourceExplicit      = "explicit"
	metaMeter                 = "meter"
	metaQuantity              = "quantity"
)

// ReleaseKey returns the idempotency key of the refund that releases txID
func ReleaseKey(txID uuid.UUID) string {
	return ReleaseKeyPrefix + txID.String()
}

// ReservationManager implements the reserve / finalize / release flow. A
// reservation debits immediately and is recorded as a pending usage
// transaction keyed by the caller's request ID.
type ReservationManager struct {
	svc *Service
}

// Reserve debits the account and records a pending usage. Insufficient funds
// and unknown accounts are reported through Outcome, not as errors. A retry
// with the same RequestID returns the original reservation with Replayed set.
func (m *ReservationManager) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	s := m.svc
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "reserve")
	defer span.End()
	telemetry.SetAttributes(span,
		telemetry.SpanAttrAccountID, req.AccountID,
		telemetry.SpanAttrIdempotencyKey, req.RequestID,
		telemetry.SpanAttrMeter, req.Meter,
	)

	if err := ledger.ValidateAccountID(req.AccountID); err != nil {
		telemetry.RecordError(span, err)
		return ReserveResult{}, err
	}
	if strings.TrimSpace(req.RequestID) == "" {
		err := shared.ErrInvalidInput.WithMessage("request id is required")
		telemetry.RecordError(span, err)
		return ReserveResult{}, err
	}
	amount, source, err := m.resolveAmount(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return ReserveResult{}, err
	}
	telemetry.SetAttribute(span, telemetry.SpanAttrAmount, amount.String())
	ctx = logger.WithAccountID(ctx, req.AccountID)

	start := time.Now()
	res, err := withRetry(ctx, s.retry, s.metrics, "reserve", func() (ReserveResult, error) {
		var out ReserveResult
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			existing, found, err := findByKey(ctx, repos.Transactions(), req.RequestID)
			if err != nil {
				return err
			}
			if found {
				if err := checkReplay(existing, ledger.TransactionTypeUsage, req.AccountID); err != nil {
					return err
				}
				out = ReserveResult{
					Outcome:       ledger.OutcomeOK,
					TransactionID: existing.ID,
					Amount:        existing.Amount,
					BalanceBefore: existing.BalanceBefore,
					BalanceAfter:  existing.BalanceAfter,
					Status:        existing.Status,
					AmountSource:  metadataString(existing.Metadata, ledger.MetaAmountSource),
					Replayed:      true,
				}
				return nil
			}

			adj, err := repos.Balances().AtomicAdjust(ctx, req.AccountID, amount.Neg())
			if err != nil {
				return err
			}
			meta := req.Metadata.Clone()
			meta[ledger.MetaAmountSource] = source
			if req.Meter != "" {
				meta[metaMeter] = req.Meter
				meta[metaQuantity] = req.Quantity.String()
			}
			tx, err := ledger.NewTransaction(ledger.TransactionParams{
				AccountID:      req.AccountID,
				Type:           ledger.TransactionTypeUsage,
				Amount:         amount,
				BalanceBefore:  adj.BalanceBefore,
				BalanceAfter:   adj.BalanceAfter,
				IdempotencyKey: req.RequestID,
				Status:         ledger.TransactionStatusPending,
				Description:    req.Description,
				Metadata:       meta,
			})
			if err != nil {
				return err
			}
			written, err := appendOnce(ctx, repos.Transactions(), tx)
			if err != nil {
				return err
			}
			out = ReserveResult{
				Outcome:       ledger.OutcomeOK,
				TransactionID: written.ID,
				Amount:        written.Amount,
				BalanceBefore: written.BalanceBefore,
				BalanceAfter:  written.BalanceAfter,
				Status:        written.Status,
				AmountSource:  source,
			}
			return nil
		})
		if err != nil {
			if outcome, expected := ledger.OutcomeFromError(err); expected {
				return ReserveResult{Outcome: outcome, Amount: amount, AmountSource: source}, nil
			}
		}
		return out, err
	})
	s.metrics.RecordAdjust(ctx, ledger.TransactionTypeUsage, adjustOutcome(errorForOutcome(res, err)), time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		logger.L(ctx).Warn("Reservation failed", zap.String("request_id", req.RequestID), zap.Error(err))
		return ReserveResult{}, err
	}

	s.metrics.RecordReservation(ctx, res.Outcome, res.Replayed)
	telemetry.SetAttributes(span,
		telemetry.SpanAttrOutcome, string(res.Outcome),
		telemetry.SpanAttrTransactionID, res.TransactionID.String(),
	)
	telemetry.SetOK(span)
	return res, nil
}

func (m *ReservationManager) resolveAmount(ctx context.Context, req ReserveRequest) (decimal.Decimal, string, error) {
	if m.svc.amounts == nil {
		if req.Amount == nil {
			return decimal.Zero, "", shared.ErrInvalidInput.WithMessage("amount is required")
		}
		if err := ledger.ValidateAmount(*req.Amount); err != nil {
			return decimal.Zero, "", err
		}
		return *req.Amount, amountSourceExplicit, nil
	}
	return m.svc.amounts.Resolve(ctx, ledger.AmountQuery{
		AccountID: req.AccountID,
		Meter:     req.Meter,
		Quantity:  req.Quantity,
		Explicit:  req.Amount,
	})
}

// Finalize commits a reservation. It returns true when the reservation is
// (or already was) completed, and false when it was released or txID is not
// a reservation. The balance is not touched.
func (m *ReservationManager) Finalize(ctx context.Context, txID uuid.UUID) (bool, error) {
	s := m.svc
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "finalize")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrTransactionID, txID.String())

	finalized, err := withRetry(ctx, s.retry, s.metrics, "finalize", func() (bool, error) {
		var ok bool
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			txs := repos.Transactions()
			tx, err := txs.GetByID(ctx, txID)
			if err != nil {
				return err
			}
			if !tx.IsReservation() {
				return nil
			}
			switch tx.Status {
			case ledger.TransactionStatusCompleted:
				ok = true
			case ledger.TransactionStatusPending:
				updated, err := txs.UpdateStatus(ctx, txID, ledger.TransactionStatusPending, ledger.TransactionStatusCompleted)
				if err != nil {
					return err
				}
				if !updated {
					// moved by a concurrent finalize or release; re-read on retry
					return ledger.ErrIdempotencyRace
				}
				ok = true
			}
			return nil
		})
		return ok, err
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return false, err
	}
	telemetry.SetAttribute(span, "finalized", finalized)
	telemetry.SetOK(span)
	return finalized, nil
}

// Release returns a pending reservation's funds. The original is marked
// failed and a positive refund pointing back at it is written under
// ReleaseKey(txID). Releasing twice returns the first release. Releasing a
// completed reservation fails with ErrInvalidState.
func (m *ReservationManager) Release(ctx context.Context, txID uuid.UUID, description string) (ReleaseResult, error) {
	s := m.svc
	ctx, span := telemetry.StartServiceSpan(ctx, "ledger", "release")
	defer span.End()
	telemetry.SetAttribute(span, telemetry.SpanAttrTransactionID, txID.String())

	if description == "" {
		description = defaultReleaseDescription
	}
	key := ReleaseKey(txID)

	start := time.Now()
	res, err := withRetry(ctx, s.retry, s.metrics, "release", func() (ReleaseResult, error) {
		var out ReleaseResult
		err := s.scope.Execute(ctx, func(repos LedgerRepositories) error {
			txs := repos.Transactions()
			original, err := txs.GetByID(ctx, txID)
			if err != nil {
				return err
			}
			if !original.IsReservation() {
				return ledger.ErrInvalidState.WithMessage("transaction is not a reservation")
			}

			existing, found, err := findByKey(ctx, txs, key)
			if err != nil {
				return err
			}
			if found {
				if err := checkReplay(existing, ledger.TransactionTypeRefund, original.AccountID); err != nil {
					return err
				}
				out = ReleaseResult{BalanceAfter: existing.BalanceAfter, RefundTransactionID: existing.ID, Replayed: true}
				return nil
			}

			if original.Status != ledger.TransactionStatusPending {
				return ledger.ErrInvalidState.WithMessage(
					fmt.Sprintf("cannot release a %s reservation", original.Status))
			}
			updated, err := txs.UpdateStatus(ctx, txID, ledger.TransactionStatusPending, ledger.TransactionStatusFailed)
			if err != nil {
				return err
			}
			if !updated {
				return ledger.ErrIdempotencyRace
			}

			adj, err := repos.Balances().AtomicAdjust(ctx, original.AccountID, original.Amount)
			if err != nil {
				return err
			}
			refund, err := ledger.NewTransaction(ledger.TransactionParams{
				AccountID:      original.AccountID,
				Type:           ledger.TransactionTypeRefund,
				Amount:         original.Amount,
				BalanceBefore:  adj.BalanceBefore,
				BalanceAfter:   adj.BalanceAfter,
				IdempotencyKey: key,
				Status:         ledger.TransactionStatusCompleted,
				Description:    description,
				Metadata: ledger.Metadata{
					ledger.MetaOriginalTransactionID: txID.String(),
				},
			})
			if err != nil {
				return err
			}
			written, err := appendOnce(ctx, txs, refund)
			if err != nil {
				return err
			}
			out = ReleaseResult{BalanceAfter: written.BalanceAfter, RefundTransactionID: written.ID}
			return nil
		})
		return out, err
	})
	s.metrics.RecordAdjust(ctx, ledger.TransactionTypeRefund, adjustOutcome(err), time.Since(start))
	if err != nil {
		telemetry.RecordError(span, err)
		return ReleaseResult{}, err
	}

	telemetry.AddEvent(span, "reservation_released",
		"refund_transaction_id", res.RefundTransactionID.String(),
		"replayed", res.Replayed,
	)
	telemetry.SetOK(span)
	return res, nil
}

// SweepExpired releases pending reservations created more than olderThan
// ago. Reservations finalized in the meantime are skipped. Failures are
// logged and counted; the sweep goes on with the next reservation.
func (m *ReservationManager) SweepExpired(ctx context.Context, olderThan time.Duration) (SweepStats, error) {
	s := m.svc
	stats := SweepStats{StartedAt: s.now()}
	cutoff := stats.StartedAt.Add(-olderThan)
	log := logger.L(ctx)

	seen := make(map[uuid.UUID]struct{})
	for ctx.Err() == nil {
		batch, err := s.reader.Transactions().FindPendingBefore(ctx, cutoff, s.sweepBatchSize)
		if err != nil {
			log.Error("Failed to find expired reservations", zap.Error(err))
			return stats, err
		}

		progressed := false
		for _, tx := range batch {
			if _, ok := seen[tx.ID]; ok {
				continue
			}
			seen[tx.ID] = struct{}{}
			stats.Found++

			res, err := m.Release(ctx, tx.ID, ExpiredReservationDescription)
			switch {
			case err == nil && !res.Replayed:
				stats.Released++
				progressed = true
			case err == nil, errors.Is(err, ledger.ErrInvalidState):
				stats.Skipped++
			default:
				stats.Failed++
				log.Error("Failed to release expired reservation",
					zap.String("transaction_id", tx.ID.String()),
					zap.String("account_id", tx.AccountID),
					zap.Error(err))
			}
		}

		if len(batch) < s.sweepBatchSize || !progressed {
			break
		}
	}

	if stats.Found > 0 {
		log.Info("Completed expired reservation sweep",
			zap.Int("found", stats.Found),
			zap.Int("released", stats.Released),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed))
	}
	return stats, ctx.Err()
}

// errorForOutcome turns a tagged outcome back into an error for metric labels
func errorForOutcome(res ReserveResult, err error) error {
	if err != nil {
		return err
	}
	return res.Outcome.Err()
}

func metadataString(m ledger.Metadata, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
