package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LEDGER_DATABASE_PASSWORD
const EnvPrefix = "LEDGER"

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Ledger    LedgerConfig
	Pricing   PricingConfig
	Stripe    StripeConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres or sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file path
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	LogLevel        string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled             bool
	Host                string
	Port                int
	Password            string
	DB                  int
	KeyPrefix           string
	InvalidationChannel string
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds bearer token verification settings for the admin routes
type JWTConfig struct {
	Secret          string
	Issuer          string
	AdminPermission string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	TrustedProxies []string
	// RequestTimeout bounds the context of each request
	RequestTimeout time.Duration
	// RateLimit caps requests per client IP per RateWindow on unauthenticated
	// ingestion routes. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// LedgerConfig holds balance ledger behaviour
type LedgerConfig struct {
	DefaultCurrency      string
	CacheTTL             time.Duration
	CacheCleanupInterval time.Duration
	MaxCASRetries        int
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	AuditFailedEvents    bool
	ReservationExpiry    time.Duration
	SweeperEnabled       bool
	SweepInterval        time.Duration
	SweepBatchSize       int
	StatementPageSize    int
}

// TierConfig is one step of a tiered meter price. UpTo of zero means unbounded.
type TierConfig struct {
	UpTo      int64  `mapstructure:"up_to"`
	UnitPrice string `mapstructure:"unit_price"`
}

// PricingConfig feeds the amount providers used when a reservation carries no explicit amount
type PricingConfig struct {
	Rates       map[string]string // meter -> unit price
	Tiers       map[string][]TierConfig
	FallbackFee string
}

// StripeConfig holds webhook verification settings
type StripeConfig struct {
	WebhookSecret      string
	Tolerance          time.Duration
	AccountMetadataKey string
}

// StorageConfig holds the S3-compatible bucket used for statement exports
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	PresignExpiry   time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	LogsEnabled       bool
	// Database tracing options
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
	// Continuous profiling
	ProfilingEnabled bool
	PyroscopeAddress string
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with LEDGER_ prefix (e.g., LEDGER_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	return load(v)
}

// LoadFile loads configuration from an explicit file path plus the environment
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans that default to true cannot be told apart from unset after Get
	v.SetDefault("ledger.audit_failed_events", true)
	v.SetDefault("ledger.sweeper_enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
		},
		Redis: RedisConfig{
			Enabled:             v.GetBool("redis.enabled"),
			Host:                v.GetString("redis.host"),
			Port:                v.GetInt("redis.port"),
			Password:            v.GetString("redis.password"),
			DB:                  v.GetInt("redis.db"),
			KeyPrefix:           v.GetString("redis.key_prefix"),
			InvalidationChannel: v.GetString("redis.invalidation_channel"),
		},
		JWT: JWTConfig{
			Secret:          v.GetString("jwt.secret"),
			Issuer:          v.GetString("jwt.issuer"),
			AdminPermission: v.GetString("jwt.admin_permission"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:    v.GetDuration("http.read_timeout"),
			WriteTimeout:   v.GetDuration("http.write_timeout"),
			IdleTimeout:    v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes: v.GetInt("http.max_header_bytes"),
			MaxBodySize:    v.GetInt64("http.max_body_size"),
			TrustedProxies: v.GetStringSlice("http.trusted_proxies"),
			RequestTimeout: v.GetDuration("http.request_timeout"),
			RateLimit:      v.GetInt("http.rate_limit"),
			RateWindow:     v.GetDuration("http.rate_window"),
		},
		Ledger: LedgerConfig{
			DefaultCurrency:      v.GetString("ledger.default_currency"),
			CacheTTL:             v.GetDuration("ledger.cache_ttl"),
			CacheCleanupInterval: v.GetDuration("ledger.cache_cleanup_interval"),
			MaxCASRetries:        v.GetInt("ledger.max_cas_retries"),
			RetryInitialInterval: v.GetDuration("ledger.retry_initial_interval"),
			RetryMaxElapsed:      v.GetDuration("ledger.retry_max_elapsed"),
			AuditFailedEvents:    v.GetBool("ledger.audit_failed_events"),
			ReservationExpiry:    v.GetDuration("ledger.reservation_expiry"),
			SweeperEnabled:       v.GetBool("ledger.sweeper_enabled"),
			SweepInterval:        v.GetDuration("ledger.sweep_interval"),
			SweepBatchSize:       v.GetInt("ledger.sweep_batch_size"),
			StatementPageSize:    v.GetInt("ledger.statement_page_size"),
		},
		Pricing: PricingConfig{
			Rates:       v.GetStringMapString("pricing.rates"),
			FallbackFee: v.GetString("pricing.fallback_fee"),
		},
		Stripe: StripeConfig{
			WebhookSecret:      v.GetString("stripe.webhook_secret"),
			Tolerance:          v.GetDuration("stripe.tolerance"),
			AccountMetadataKey: v.GetString("stripe.account_metadata_key"),
		},
		Storage: StorageConfig{
			Enabled:         v.GetBool("storage.enabled"),
			Endpoint:        v.GetString("storage.endpoint"),
			Region:          v.GetString("storage.region"),
			Bucket:          v.GetString("storage.bucket"),
			AccessKeyID:     v.GetString("storage.access_key_id"),
			SecretAccessKey: v.GetString("storage.secret_access_key"),
			UsePathStyle:    v.GetBool("storage.use_path_style"),
			PresignExpiry:   v.GetDuration("storage.presign_expiry"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
			ProfilingEnabled:  v.GetBool("telemetry.profiling_enabled"),
			PyroscopeAddress:  v.GetString("telemetry.pyroscope_address"),
		},
	}

	if err := v.UnmarshalKey("pricing.tiers", &cfg.Pricing.Tiers); err != nil {
		return nil, fmt.Errorf("error decoding pricing.tiers: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "balance-ledger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "ledger"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "ledger.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "ledger:"
	}
	if cfg.Redis.InvalidationChannel == "" {
		cfg.Redis.InvalidationChannel = "ledger:balance_invalidation"
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "balance-ledger"
	}
	if cfg.JWT.AdminPermission == "" {
		cfg.JWT.AdminPermission = "ledger:admin"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.HTTP.RequestTimeout == 0 {
		cfg.HTTP.RequestTimeout = 10 * time.Second
	}
	if cfg.HTTP.RateWindow == 0 {
		cfg.HTTP.RateWindow = time.Minute
	}
	if cfg.Ledger.DefaultCurrency == "" {
		cfg.Ledger.DefaultCurrency = "USD"
	}
	if cfg.Ledger.CacheTTL == 0 {
		cfg.Ledger.CacheTTL = 10 * time.Second
	}
	if cfg.Ledger.CacheCleanupInterval == 0 {
		cfg.Ledger.CacheCleanupInterval = time.Minute
	}
	if cfg.Ledger.MaxCASRetries == 0 {
		cfg.Ledger.MaxCASRetries = 5
	}
	if cfg.Ledger.RetryInitialInterval == 0 {
		cfg.Ledger.RetryInitialInterval = 20 * time.Millisecond
	}
	if cfg.Ledger.RetryMaxElapsed == 0 {
		cfg.Ledger.RetryMaxElapsed = 2 * time.Second
	}
	if cfg.Ledger.ReservationExpiry == 0 {
		cfg.Ledger.ReservationExpiry = time.Hour
	}
	if cfg.Ledger.SweepInterval == 0 {
		cfg.Ledger.SweepInterval = 5 * time.Minute
	}
	if cfg.Ledger.SweepBatchSize == 0 {
		cfg.Ledger.SweepBatchSize = 100
	}
	if cfg.Ledger.StatementPageSize == 0 {
		cfg.Ledger.StatementPageSize = 500
	}
	if cfg.Stripe.Tolerance == 0 {
		cfg.Stripe.Tolerance = 5 * time.Minute
	}
	if cfg.Stripe.AccountMetadataKey == "" {
		cfg.Stripe.AccountMetadataKey = "account_id"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "us-east-1"
	}
	if cfg.Storage.PresignExpiry == 0 {
		cfg.Storage.PresignExpiry = 15 * time.Minute
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317" // Default gRPC endpoint
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Telemetry.PyroscopeAddress == "" {
		cfg.Telemetry.PyroscopeAddress = "http://localhost:4040"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Ledger.MaxCASRetries < 0 {
		return fmt.Errorf("ledger.max_cas_retries cannot be negative")
	}
	if c.Ledger.CacheTTL < 0 {
		return fmt.Errorf("ledger.cache_ttl cannot be negative")
	}
	if c.Ledger.RetryMaxElapsed < c.Ledger.RetryInitialInterval {
		return fmt.Errorf("ledger.retry_max_elapsed (%s) must not be shorter than ledger.retry_initial_interval (%s)",
			c.Ledger.RetryMaxElapsed, c.Ledger.RetryInitialInterval)
	}

	for meter, price := range c.Pricing.Rates {
		if _, err := decimal.NewFromString(price); err != nil {
			return fmt.Errorf("pricing.rates.%s: %w", meter, err)
		}
	}
	for meter, tiers := range c.Pricing.Tiers {
		for i, tier := range tiers {
			if _, err := decimal.NewFromString(tier.UnitPrice); err != nil {
				return fmt.Errorf("pricing.tiers.%s[%d].unit_price: %w", meter, i, err)
			}
		}
	}
	if c.Pricing.FallbackFee != "" {
		if _, err := decimal.NewFromString(c.Pricing.FallbackFee); err != nil {
			return fmt.Errorf("pricing.fallback_fee: %w", err)
		}
	}

	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("database.driver must be postgres in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("stripe.webhook_secret is required in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
