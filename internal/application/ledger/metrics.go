package ledger

import (
	"context"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
)

// Metrics receives ledger measurements. The telemetry package provides the
// OpenTelemetry implementation.
type Metrics interface {
	RecordAdjust(ctx context.Context, txType ledger.TransactionType, outcome string, duration time.Duration)
	RecordReservation(ctx context.Context, outcome ledger.Outcome, replayed bool)
	RecordReconcile(ctx context.Context, eventType ledger.PaymentEventType, result string)
	RecordRetry(ctx context.Context, operation string)
}

type noopMetrics struct{}

func (noopMetrics) RecordAdjust(context.Context, ledger.TransactionType, string, time.Duration) {}
func (noopMetrics) RecordReservation(context.Context, ledger.Outcome, bool)                     {}
func (noopMetrics) RecordReconcile(context.Context, ledger.PaymentEventType, string)            {}
func (noopMetrics) RecordRetry(context.Context, string)                                         {}

// adjustOutcome labels an adjust attempt for metrics
func adjustOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if o, ok := ledger.OutcomeFromError(err); ok {
		return string(o)
	}
	if ledger.IsTransient(err) {
		return "transient"
	}
	return "error"
}
