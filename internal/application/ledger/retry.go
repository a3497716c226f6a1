package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// RetryPolicy bounds the exponential backoff applied to transient failures
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy matches the ledger.retry_* configuration defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 20 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialInterval),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
	return backoff.WithContext(b, ctx)
}

// isRetryable reports whether a unit of work may simply be run again. Every
// unit is keyed, so a rerun after a lost race resolves the winner.
func isRetryable(err error) bool {
	return ledger.IsTransient(err) || errors.Is(err, ledger.ErrIdempotencyRace)
}

// withRetry runs fn until it succeeds, fails permanently or the policy gives up
func withRetry[T any](ctx context.Context, policy RetryPolicy, metrics Metrics, op string, fn func() (T, error)) (T, error) {
	operation := func() (T, error) {
		res, err := fn()
		if err != nil && !isRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, next time.Duration) {
		metrics.RecordRetry(ctx, op)
		logger.L(ctx).Debug("Retrying ledger operation",
			zap.String("operation", op),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	res, err := backoff.RetryNotifyWithData(operation, policy.backOff(ctx), notify)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, ledger.ErrIdempotencyRace) {
		err = fmt.Errorf("%s: %w", op, ledger.ErrTransientStore.WithMessage("idempotency race did not settle"))
	}
	if errors.Is(err, ledger.ErrInvariantViolation) {
		logger.L(ctx).Error("Ledger invariant violated",
			zap.String("operation", op),
			zap.Error(err))
	}
	return res, err
}
