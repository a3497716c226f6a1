package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"go.opentelemetry.io/otel/metric"
)

// ErrMeterNil is returned when a metrics recorder is built without a meter
var ErrMeterNil = errors.New("telemetry: meter cannot be nil")

// LedgerMetrics records ledger throughput, outcomes and contention. It
// satisfies the ledger service's metrics hook, the balance cache lookup
// recorder and the balance store conflict hook.
type LedgerMetrics struct {
	adjustTotal      *Counter
	adjustDuration   *Histogram
	reservationTotal *Counter
	reconcileTotal   *Counter
	retryTotal       *Counter
	cacheLookups     *Counter
	casConflicts     *Counter
}

// NewLedgerMetrics registers the ledger instruments on meter
func NewLedgerMetrics(meter metric.Meter) (*LedgerMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}
	m := &LedgerMetrics{}
	var err error
	if m.adjustTotal, err = NewCounter(meter, "ledger_adjust_total",
		"Balance mutations by transaction type and outcome", "{adjustment}"); err != nil {
		return nil, err
	}
	if m.adjustDuration, err = NewHistogram(meter, HistogramOpts{
		Name:        "ledger_adjust_duration_seconds",
		Description: "Latency of balance mutations including retries",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	}); err != nil {
		return nil, err
	}
	if m.reservationTotal, err = NewCounter(meter, "ledger_reservation_total",
		"Reservation attempts by outcome", "{reservation}"); err != nil {
		return nil, err
	}
	if m.reconcileTotal, err = NewCounter(meter, "ledger_reconcile_total",
		"Payment events reconciled by type and result", "{event}"); err != nil {
		return nil, err
	}
	if m.retryTotal, err = NewCounter(meter, "ledger_retry_total",
		"Transient failures retried by operation", "{retry}"); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = NewCounter(meter, "ledger_balance_cache_lookups_total",
		"Balance cache lookups by layer and hit", "{lookup}"); err != nil {
		return nil, err
	}
	if m.casConflicts, err = NewCounter(meter, "ledger_cas_conflicts_total",
		"Lost compare-and-swap balance updates", "{conflict}"); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordAdjust records one mutation and its latency
func (m *LedgerMetrics) RecordAdjust(ctx context.Context, txType ledger.TransactionType, outcome string, d time.Duration) {
	m.adjustTotal.Inc(ctx, AttrTransactionType.String(string(txType)), AttrOutcome.String(outcome))
	m.adjustDuration.RecordDuration(ctx, d, AttrTransactionType.String(string(txType)))
}

// RecordReservation records a reservation outcome
func (m *LedgerMetrics) RecordReservation(ctx context.Context, outcome ledger.Outcome, replayed bool) {
	m.reservationTotal.Inc(ctx, AttrOutcome.String(string(outcome)), AttrReplayed.Bool(replayed))
}

// RecordReconcile records a reconciled payment event
func (m *LedgerMetrics) RecordReconcile(ctx context.Context, eventType ledger.PaymentEventType, result string) {
	m.reconcileTotal.Inc(ctx, AttrEventType.String(string(eventType)), AttrResult.String(result))
}

// RecordRetry records a retried transient failure
func (m *LedgerMetrics) RecordRetry(ctx context.Context, operation string) {
	m.retryTotal.Inc(ctx, AttrOperation.String(operation))
}

// RecordCacheLookup records a balance cache lookup
func (m *LedgerMetrics) RecordCacheLookup(ctx context.Context, layer string, hit bool) {
	m.cacheLookups.Inc(ctx, AttrCacheLayer.String(layer), AttrCacheHit.Bool(hit))
}

// RecordCASConflict records a lost compare-and-swap. The account ID is not
// used as an attribute.
func (m *LedgerMetrics) RecordCASConflict(ctx context.Context, _ string, _ int) {
	m.casConflicts.Inc(ctx)
}
