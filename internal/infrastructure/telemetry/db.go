package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DBConfig configures InstrumentDB
type DBConfig struct {
	TraceEnabled    bool
	DBSystem        string
	LogFullSQL      bool
	SlowQueryThresh time.Duration
}

// DefaultSlowQueryThreshold applies when DBConfig.SlowQueryThresh is unset
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// dbStartKey holds a statement's start time. It lives in the statement's
// instance settings because otelgorm swaps Statement.Context between hooks.
const dbStartKey = "ledger_db:started_at"

// dbInstrumentation times every gorm statement, records it on the current
// span and feeds the query metrics
type dbInstrumentation struct {
	cfg           DBConfig
	logger        *zap.Logger
	queryTotal    *Counter
	queryDuration *Histogram
	slowQueries   *Counter
}

// InstrumentDB registers otelgorm spans, query metrics on meter, connection
// pool gauges and slow query logging on db. A nil meter skips the metrics.
func InstrumentDB(db *gorm.DB, cfg DBConfig, meter metric.Meter, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlowQueryThresh <= 0 {
		cfg.SlowQueryThresh = DefaultSlowQueryThreshold
	}
	if cfg.DBSystem == "" {
		cfg.DBSystem = db.Dialector.Name()
	}

	if cfg.TraceEnabled {
		opts := []otelgorm.Option{otelgorm.WithDBName(cfg.DBSystem)}
		if !cfg.LogFullSQL {
			opts = append(opts, otelgorm.WithoutQueryVariables())
		}
		if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
			return fmt.Errorf("failed to register otelgorm: %w", err)
		}
	}

	inst := &dbInstrumentation{cfg: cfg, logger: logger}
	if meter != nil {
		var err error
		if inst.queryTotal, err = NewCounter(meter, "db_query_total",
			"Database queries by operation", "{query}"); err != nil {
			return err
		}
		if inst.queryDuration, err = NewHistogram(meter, HistogramOpts{
			Name:        "db_query_duration_seconds",
			Description: "Database query latency",
			Unit:        "s",
			Boundaries:  DBDurationBuckets,
		}); err != nil {
			return err
		}
		if inst.slowQueries, err = NewCounter(meter, "db_slow_query_total",
			"Queries slower than the configured threshold", "{query}"); err != nil {
			return err
		}
		if err := registerPoolGauges(db, meter); err != nil {
			return err
		}
	}
	if err := inst.register(db); err != nil {
		return err
	}

	logger.Info("Database instrumentation registered",
		zap.Bool("tracing", cfg.TraceEnabled),
		zap.Bool("metrics", meter != nil),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThresh),
	)
	return nil
}

func (d *dbInstrumentation) register(db *gorm.DB) error {
	cb := db.Callback()
	after := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) { d.finish(tx, op) }
	}
	for _, err := range []error{
		cb.Create().Before("gorm:create").Register("ledger_db:before_create", d.start),
		cb.Create().After("gorm:create").Register("ledger_db:after_create", after("INSERT")),
		cb.Query().Before("gorm:query").Register("ledger_db:before_query", d.start),
		cb.Query().After("gorm:query").Register("ledger_db:after_query", after("SELECT")),
		cb.Update().Before("gorm:update").Register("ledger_db:before_update", d.start),
		cb.Update().After("gorm:update").Register("ledger_db:after_update", after("UPDATE")),
		cb.Delete().Before("gorm:delete").Register("ledger_db:before_delete", d.start),
		cb.Delete().After("gorm:delete").Register("ledger_db:after_delete", after("DELETE")),
		cb.Row().Before("gorm:row").Register("ledger_db:before_row", d.start),
		cb.Row().After("gorm:row").Register("ledger_db:after_row", after("")),
		cb.Raw().Before("gorm:raw").Register("ledger_db:before_raw", d.start),
		cb.Raw().After("gorm:raw").Register("ledger_db:after_raw", after("")),
	} {
		if err != nil {
			return fmt.Errorf("failed to register db callback: %w", err)
		}
	}
	return nil
}

func (d *dbInstrumentation) start(tx *gorm.DB) {
	tx.InstanceSet(dbStartKey, time.Now())
}

func (d *dbInstrumentation) finish(tx *gorm.DB, op string) {
	v, ok := tx.InstanceGet(dbStartKey)
	if !ok {
		return
	}
	started, ok := v.(time.Time)
	if !ok {
		return
	}
	ctx := tx.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if op == "" {
		op = operationOf(tx.Statement.SQL.String())
	}
	elapsed := time.Since(started)
	failed := tx.Error != nil && !errors.Is(tx.Error, gorm.ErrRecordNotFound)
	slow := elapsed > d.cfg.SlowQueryThresh

	if d.queryTotal != nil {
		attrs := []attribute.KeyValue{AttrDBOperation.String(op), AttrDBTable.String(tx.Statement.Table)}
		d.queryTotal.Inc(ctx, append(attrs, attribute.Bool("error", failed))...)
		d.queryDuration.RecordDuration(ctx, elapsed, attrs...)
		if slow {
			d.slowQueries.Inc(ctx, attrs...)
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attribute.Int64("db.rows_affected", tx.Statement.RowsAffected))
		if failed {
			RecordError(span, tx.Error)
		}
		if slow {
			span.AddEvent("slow_query", trace.WithAttributes(
				attribute.Int64("duration_ms", elapsed.Milliseconds()),
				attribute.Int64("threshold_ms", d.cfg.SlowQueryThresh.Milliseconds()),
			))
		}
	}
	if slow {
		d.logger.Warn("Slow query",
			zap.String("operation", op),
			zap.String("table", tx.Statement.Table),
			zap.Duration("elapsed", elapsed),
			zap.String("trace_id", GetTraceID(ctx)),
		)
	}
}

// registerPoolGauges exports sql.DBStats through an observable callback
func registerPoolGauges(db *gorm.DB, meter metric.Meter) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	conns, err := meter.Int64ObservableGauge("db_pool_connections",
		metric.WithDescription("Connections in the pool by state"), metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	maxConns, err := meter.Int64ObservableGauge("db_pool_connections_max",
		metric.WithDescription("Maximum open connections"), metric.WithUnit("{connection}"))
	if err != nil {
		return err
	}
	waits, err := meter.Int64ObservableCounter("db_pool_wait_total",
		metric.WithDescription("Connections waited for"), metric.WithUnit("{wait}"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := sqlDB.Stats()
		o.ObserveInt64(conns, int64(s.InUse), metric.WithAttributes(AttrDBState.String("in_use")))
		o.ObserveInt64(conns, int64(s.Idle), metric.WithAttributes(AttrDBState.String("idle")))
		o.ObserveInt64(maxConns, int64(s.MaxOpenConnections))
		o.ObserveInt64(waits, s.WaitCount)
		return nil
	}, conns, maxConns, waits)
	return err
}

func operationOf(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \n\t"); i > 0 {
		sql = sql[:i]
	}
	switch op := strings.ToUpper(sql); op {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "WITH":
		return op
	case "":
		return "UNKNOWN"
	default:
		return "OTHER"
	}
}
