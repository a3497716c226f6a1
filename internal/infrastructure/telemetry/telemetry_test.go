package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// recordSpans installs an in-memory tracer provider for the test
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumWhere(t *testing.T, data metricdata.Aggregation, key attribute.Key, value string) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(key); ok && v.Emit() == value {
			total += dp.Value
		}
	}
	return total
}

func TestStartServiceSpan(t *testing.T) {
	rec := recordSpans(t)

	ctx, span := StartServiceSpan(context.Background(), "ledger", "reserve",
		WithAttribute(SpanAttrMeter, "api_calls"),
		WithSpanKind(trace.SpanKindServer))
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))

	SetAttributes(span,
		SpanAttrAccountID, "acct-1",
		SpanAttrAmount, decimal.RequireFromString("12.50"),
		42, "dropped: key is not a string",
	)
	SetAttribute(span, "replayed", true)
	AddEvent(span, "balance_checked", "available", 3)
	RecordError(span, errors.New("insufficient funds"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "ledger.reserve", got.Name())
	assert.Equal(t, trace.SpanKindServer, got.SpanKind())
	assert.Equal(t, codes.Error, got.Status().Code)

	attrs := map[attribute.Key]string{}
	for _, kv := range got.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "api_calls", attrs[SpanAttrMeter])
	assert.Equal(t, "acct-1", attrs[SpanAttrAccountID])
	assert.Equal(t, "12.5", attrs[SpanAttrAmount])
	assert.Equal(t, "true", attrs["replayed"])
	assert.Len(t, attrs, 4)

	require.Len(t, got.Events(), 2)
	assert.Equal(t, "balance_checked", got.Events()[0].Name)
}

func TestSpanHelpers_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		SetAttributes(nil, "k", "v")
		SetAttribute(nil, "k", "v")
		RecordError(nil, errors.New("x"))
		SetOK(nil)
		AddEvent(nil, "e")
	})
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}

func TestDisabledProviders(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	tp, err := NewTracerProvider(ctx, Config{Enabled: false}, logger)
	require.NoError(t, err)
	assert.False(t, tp.IsEnabled())
	tp.EnableSpanProfiles()
	assert.NoError(t, tp.ForceFlush(ctx))
	assert.NoError(t, tp.Shutdown(ctx))
	assert.NotNil(t, tp.Tracer("x"))

	mp, err := NewMeterProvider(ctx, MetricsConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, mp.IsEnabled())
	assert.NotNil(t, mp.Meter("x"))
	assert.NoError(t, mp.ForceFlush(ctx))
	assert.NoError(t, mp.Shutdown(ctx))

	lp, err := NewLoggerProvider(ctx, LogsConfig{Enabled: false}, logger)
	require.NoError(t, err)
	assert.False(t, lp.IsEnabled())
	assert.Same(t, logger, lp.Bridge(logger, zapcore.InfoLevel))
	assert.NoError(t, lp.Shutdown(ctx))

	p, err := NewProfiler(ProfilerConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.False(t, p.IsEnabled())
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
}

func TestEnabledProvidersWithLazyExporter(t *testing.T) {
	ctx := context.Background()
	// gRPC exporters dial lazily, so an unreachable endpoint still constructs
	cfg := Config{Enabled: true, CollectorEndpoint: "localhost:1", ServiceName: "ledger-test", Insecure: true, SamplingRatio: 0.5}
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := NewTracerProvider(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, tp.IsEnabled())

	mp, err := NewMeterProvider(ctx, MetricsConfig{Enabled: true, CollectorEndpoint: "localhost:1", Insecure: true}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultExportInterval, mp.GetConfig().ExportInterval)

	shutdownCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_ = tp.Shutdown(shutdownCtx)
	_ = mp.Shutdown(shutdownCtx)
}

func TestProfiler_RequiresAddress(t *testing.T) {
	_, err := NewProfiler(ProfilerConfig{Enabled: true, ApplicationName: "ledger"}, nil)
	assert.Error(t, err)
	_, err = NewProfiler(ProfilerConfig{Enabled: true, ServerAddress: "http://localhost:4040"}, nil)
	assert.Error(t, err)
}

func TestLabelPairs(t *testing.T) {
	long := make([]byte, MaxLabelValueLength+10)
	for i := range long {
		long[i] = 'a'
	}
	pairs := labelPairs(map[string]string{
		"Operation":  "reserve",
		"account_id": "acct-1",
		"empty":      "",
		"HTTP-Route": string(long),
	})
	assert.Equal(t, []string{"http_route", string(long[:MaxLabelValueLength]), "operation", "reserve"}, pairs)

	ran := false
	WithProfilingLabels(context.Background(), OperationLabels("sweep_reservations"), func(context.Context) { ran = true })
	assert.True(t, ran)
	ran = false
	WithProfilingLabels(context.Background(), nil, func(context.Context) { ran = true })
	assert.True(t, ran)
	assert.Equal(t, "GET", HTTPRequestLabels("/x", "GET")[ProfilingLabelMethod])
}

func TestLedgerMetrics(t *testing.T) {
	_, err := NewLedgerMetrics(nil)
	assert.ErrorIs(t, err, ErrMeterNil)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewLedgerMetrics(provider.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordAdjust(ctx, ledger.TransactionTypeDeposit, "ok", 3*time.Millisecond)
	m.RecordAdjust(ctx, ledger.TransactionTypeDeposit, "ok", 5*time.Millisecond)
	m.RecordAdjust(ctx, ledger.TransactionTypeUsage, "insufficient_funds", time.Millisecond)
	m.RecordReservation(ctx, ledger.OutcomeOK, false)
	m.RecordReservation(ctx, ledger.OutcomeOK, true)
	m.RecordReconcile(ctx, ledger.PaymentEventSucceeded, "applied")
	m.RecordRetry(ctx, "deposit")
	m.RecordCacheLookup(ctx, "local", true)
	m.RecordCacheLookup(ctx, "local", false)
	m.RecordCASConflict(ctx, "acct-1", 1)
	m.RecordCASConflict(ctx, "acct-1", 2)

	got := collect(t, reader)
	assert.Equal(t, int64(2), sumWhere(t, got["ledger_adjust_total"], AttrTransactionType, string(ledger.TransactionTypeDeposit)))
	assert.Equal(t, int64(1), sumWhere(t, got["ledger_adjust_total"], AttrOutcome, "insufficient_funds"))
	assert.Equal(t, int64(1), sumWhere(t, got["ledger_reservation_total"], AttrReplayed, "true"))
	assert.Equal(t, int64(1), sumWhere(t, got["ledger_reconcile_total"], AttrResult, "applied"))
	assert.Equal(t, int64(1), sumWhere(t, got["ledger_retry_total"], AttrOperation, "deposit"))
	assert.Equal(t, int64(1), sumWhere(t, got["ledger_balance_cache_lookups_total"], AttrCacheHit, "true"))

	conflicts, ok := got["ledger_cas_conflicts_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, conflicts.DataPoints, 1)
	assert.Equal(t, int64(2), conflicts.DataPoints[0].Value)

	hist, ok := got["ledger_adjust_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

type widget struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestInstrumentDB(t *testing.T) {
	rec := recordSpans(t)
	core, logs := observer.New(zapcore.WarnLevel)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&widget{}))

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, InstrumentDB(db, DBConfig{
		TraceEnabled: true,
		// every statement counts as slow
		SlowQueryThresh: time.Nanosecond,
	}, provider.Meter("test"), zap.New(core)))

	ctx, span := StartSpan(context.Background(), "test.parent")
	require.NoError(t, db.WithContext(ctx).Create(&widget{Name: "a"}).Error)
	var got widget
	require.NoError(t, db.WithContext(ctx).First(&got).Error)
	err = db.WithContext(ctx).First(&widget{}, 99).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	span.End()

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumWhere(t, metrics["db_query_total"], AttrDBOperation, "INSERT"))
	assert.Equal(t, int64(2), sumWhere(t, metrics["db_query_total"], AttrDBOperation, "SELECT"))
	assert.Equal(t, int64(0), sumWhere(t, metrics["db_query_total"], "error", "true"))
	assert.Equal(t, int64(3), sumWhere(t, metrics["db_slow_query_total"], AttrDBTable, "widgets"))
	assert.Contains(t, metrics, "db_pool_connections")

	assert.Equal(t, 3, logs.FilterMessage("Slow query").Len())
	// otelgorm opens a child span per statement
	assert.Greater(t, len(rec.Ended()), 1)
}

func TestOperationOf(t *testing.T) {
	assert.Equal(t, "SELECT", operationOf("  select 1"))
	assert.Equal(t, "UPDATE", operationOf("UPDATE accounts SET balance = 1"))
	assert.Equal(t, "OTHER", operationOf("PRAGMA foreign_keys"))
	assert.Equal(t, "UNKNOWN", operationOf(""))
}
