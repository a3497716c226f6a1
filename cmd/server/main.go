package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	billingapp "github.com/ledger/backend/internal/application/billing"
	appledger "github.com/ledger/backend/internal/application/ledger"
	"github.com/ledger/backend/internal/infrastructure/auth"
	"github.com/ledger/backend/internal/infrastructure/cache"
	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/ledger/backend/internal/infrastructure/logger"
	"github.com/ledger/backend/internal/infrastructure/persistence"
	"github.com/ledger/backend/internal/infrastructure/scheduler"
	"github.com/ledger/backend/internal/infrastructure/storage"
	"github.com/ledger/backend/internal/infrastructure/strategy"
	"github.com/ledger/backend/internal/infrastructure/telemetry"
	"github.com/ledger/backend/internal/interfaces/http/handler"
	"github.com/ledger/backend/internal/interfaces/http/middleware"
	"github.com/ledger/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

//	@title			Balance Ledger API
//	@version		1.0
//	@description	Prepaid balance ledger: reservations, deposits and payment reconciliation.
//	@BasePath		/api/v1

//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token with the ledger admin permission. Format: "Bearer {token}"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry: traces, metrics, log export and profiling
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled && cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	if loggerProvider.IsEnabled() {
		log = loggerProvider.Bridge(log, zapcore.InfoLevel)
	}
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.PyroscopeAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tracerProvider.EnableSpanProfiles()
	}

	log.Info("Starting ledger",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.String("port", cfg.App.Port))

	meter := meterProvider.Meter("github.com/ledger/backend")
	ledgerMetrics, err := telemetry.NewLedgerMetrics(meter)
	if err != nil {
		log.Fatal("Failed to create ledger metrics", zap.Error(err))
	}

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Database.LogLevel),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithGormLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := db.AutoMigrate(); err != nil {
		log.Fatal("Failed to create SQLite schema", zap.Error(err))
	}
	if err := telemetry.InstrumentDB(db.DB, telemetry.DBConfig{
		TraceEnabled:    cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		DBSystem:        db.Driver,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
	}, meter, log); err != nil {
		log.Fatal("Failed to instrument database", zap.Error(err))
	}
	log.Info("Database connected", zap.String("driver", db.Driver))

	// Caches: Redis-backed tiers when available, process-local otherwise
	caches, err := cache.NewFactory(cfg.Redis, cfg.Ledger,
		cache.WithLogger(log),
		cache.WithRecorder(ledgerMetrics),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).Create(ctx)
	if err != nil {
		log.Fatal("Failed to initialize caches", zap.Error(err))
	}
	defer func() { _ = caches.Close() }()
	if caches.Tiered != nil {
		if err := caches.Tiered.StartInvalidationSubscription(ctx); err != nil {
			log.Fatal("Failed to subscribe to balance invalidations", zap.Error(err))
		}
	}

	// Ledger service
	scope := persistence.NewGormLedgerScope(db.DB,
		persistence.WithInvalidator(caches.Balances),
		persistence.WithBalanceStoreOptions(
			persistence.WithMaxCASRetries(cfg.Ledger.MaxCASRetries),
			persistence.WithConflictHook(ledgerMetrics.RecordCASConflict),
		))
	providers, err := strategy.DefaultChain(cfg.Pricing)
	if err != nil {
		log.Fatal("Invalid pricing configuration", zap.Error(err))
	}
	serviceOpts := []appledger.ServiceOption{
		appledger.WithBalanceCache(caches.Balances),
		appledger.WithAmountChain(appledger.NewAmountChain(providers...)),
		appledger.WithMetrics(ledgerMetrics),
		appledger.WithRetryPolicy(appledger.RetryPolicy{
			InitialInterval: cfg.Ledger.RetryInitialInterval,
			MaxElapsed:      cfg.Ledger.RetryMaxElapsed,
		}),
		appledger.WithDefaultCurrency(cfg.Ledger.DefaultCurrency),
		appledger.WithAuditFailedEvents(cfg.Ledger.AuditFailedEvents),
		appledger.WithSweepBatchSize(cfg.Ledger.SweepBatchSize),
	}
	if statements := newStatementService(ctx, cfg, scope, log); statements != nil {
		serviceOpts = append(serviceOpts, appledger.WithStatements(statements))
	}
	ledgerService := appledger.NewService(scope, scope.Reader(), serviceOpts...)

	sweeper := scheduler.NewReservationSweeper(ledgerService, log, scheduler.ReservationSweeperConfig{
		Enabled:    cfg.Ledger.SweeperEnabled,
		Interval:   cfg.Ledger.SweepInterval,
		Expiry:     cfg.Ledger.ReservationExpiry,
		Timeout:    scheduler.DefaultReservationSweeperConfig().Timeout,
		RunOnStart: true,
	})
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal("Failed to start reservation sweeper", zap.Error(err))
	}

	// Admin authentication
	jwtService := auth.NewJWTService(cfg.JWT)
	var blacklist auth.TokenBlacklist = auth.NewInMemoryTokenBlacklist()
	if client := caches.Client(); client != nil {
		blacklist = auth.NewRedisTokenBlacklist(client, cfg.Redis.KeyPrefix+"token:revoked:")
	}

	// Stripe webhooks are mounted only when a signing secret is configured
	var webhookHandler *handler.StripeWebhookHandler
	if cfg.Stripe.WebhookSecret != "" {
		webhookHandler = handler.NewStripeWebhookHandler(billingapp.NewStripeWebhookService(billingapp.StripeWebhookServiceConfig{
			WebhookSecret:      cfg.Stripe.WebhookSecret,
			Tolerance:          cfg.Stripe.Tolerance,
			AccountMetadataKey: cfg.Stripe.AccountMetadataKey,
			Reconciler:         ledgerService,
			Processed:          caches.Idempotency,
			Logger:             log,
		}))
	} else {
		log.Warn("Stripe webhook secret not set, webhook route disabled")
	}
	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateWindow)
		go limiter.Run(ctx)
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, err := router.NewEngine(router.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		TracingEnabled:   cfg.Telemetry.Enabled,
		ProfilingEnabled: profiler.IsEnabled(),
		MaxBodySize:      cfg.HTTP.MaxBodySize,
		RequestTimeout:   cfg.HTTP.RequestTimeout,
		TrustedProxies:   cfg.HTTP.TrustedProxies,
	}, router.Dependencies{
		Logger:          log,
		Meter:           meter,
		Health:          handler.NewHealthHandler(db, version),
		Ledger:          handler.NewLedgerHandler(ledgerService),
		Admin:           handler.NewAdminHandler(ledgerService),
		Webhooks:        webhookHandler,
		Verifier:        jwtService,
		Blacklist:       blacklist,
		AdminPermission: jwtService.AdminPermission(),
		WebhookLimiter:  limiter,
	})
	if err != nil {
		log.Fatal("Failed to build router", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.Warn("Reservation sweeper did not stop cleanly", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Warn("Profiler stop failed", zap.Error(err))
	}
	for name, shutdown := range map[string]func(context.Context) error{
		"tracer": tracerProvider.Shutdown,
		"meter":  meterProvider.Shutdown,
		"logs":   loggerProvider.Shutdown,
	} {
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("Telemetry shutdown failed", zap.String("provider", name), zap.Error(err))
		}
	}

	log.Info("Server exited gracefully")
}

// newStatementService wires statement export to S3 when storage is enabled.
// Development runs without a bucket keep exports in memory.
func newStatementService(ctx context.Context, cfg *config.Config, scope *persistence.GormLedgerScope, log *zap.Logger) *appledger.StatementService {
	opts := []appledger.StatementOption{
		appledger.WithStatementPageSize(cfg.Ledger.StatementPageSize),
		appledger.WithPresignExpiry(cfg.Storage.PresignExpiry),
	}

	if !cfg.Storage.Enabled {
		if cfg.App.Env != "development" {
			log.Info("Object storage disabled, statement export unavailable")
			return nil
		}
		log.Warn("Object storage disabled, statements are kept in memory")
		return appledger.NewStatementService(scope.Reader(), storage.NewMemoryObjectStorage(), opts...)
	}

	s3, err := storage.NewS3ObjectStorage(ctx, &cfg.Storage, storage.WithLogger(log))
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		log.Fatal("Failed to ensure statement bucket", zap.Error(err), zap.String("bucket", s3.Bucket()))
	}
	return appledger.NewStatementService(scope.Reader(), s3, opts...)
}
