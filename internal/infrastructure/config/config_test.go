package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "balance-ledger", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "postgres", cfg.Database.Driver)
		assert.Equal(t, "ledger", cfg.Database.DBName)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, 10*time.Second, cfg.Ledger.CacheTTL)
		assert.Equal(t, 5, cfg.Ledger.MaxCASRetries)
		assert.True(t, cfg.Ledger.AuditFailedEvents)
		assert.True(t, cfg.Ledger.SweeperEnabled)
		assert.Equal(t, "ledger:admin", cfg.JWT.AdminPermission)
		assert.Equal(t, "account_id", cfg.Stripe.AccountMetadataKey)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, "balance-ledger", cfg.Telemetry.ServiceName)
	})

	t.Run("loads values from environment variables with LEDGER prefix", func(t *testing.T) {
		t.Setenv("LEDGER_APP_PORT", "9000")
		t.Setenv("LEDGER_DATABASE_HOST", "db.internal")
		t.Setenv("LEDGER_DATABASE_MAX_OPEN_CONNS", "50")
		t.Setenv("LEDGER_DATABASE_MAX_IDLE_CONNS", "10")
		t.Setenv("LEDGER_LEDGER_CACHE_TTL", "3s")
		t.Setenv("LEDGER_LEDGER_AUDIT_FAILED_EVENTS", "false")
		t.Setenv("LEDGER_REDIS_ENABLED", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9000", cfg.App.Port)
		assert.Equal(t, "db.internal", cfg.Database.Host)
		assert.Equal(t, 50, cfg.Database.MaxOpenConns)
		assert.Equal(t, 10, cfg.Database.MaxIdleConns)
		assert.Equal(t, 3*time.Second, cfg.Ledger.CacheTTL)
		assert.False(t, cfg.Ledger.AuditFailedEvents)
		assert.True(t, cfg.Redis.Enabled)
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[database]
driver = "sqlite"
path = "/tmp/ledger.db"

[pricing]
fallback_fee = "0.05"

[pricing.rates]
api_call = "0.002"

[[pricing.tiers.tokens]]
up_to = 1000
unit_price = "0.001"

[[pricing.tiers.tokens]]
up_to = 0
unit_price = "0.0005"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/ledger.db", cfg.Database.DSN())
	assert.Equal(t, "0.002", cfg.Pricing.Rates["api_call"])
	assert.Equal(t, "0.05", cfg.Pricing.FallbackFee)
	require.Len(t, cfg.Pricing.Tiers["tokens"], 2)
	assert.Equal(t, int64(1000), cfg.Pricing.Tiers["tokens"][0].UpTo)
	assert.Equal(t, "0.0005", cfg.Pricing.Tiers["tokens"][1].UnitPrice)
}

func validConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"idle above open", func(c *Config) { c.Database.MaxIdleConns = 100 }, "max_idle_conns"},
		{"retry window shorter than first interval", func(c *Config) {
			c.Ledger.RetryMaxElapsed = time.Millisecond
		}, "retry_max_elapsed"},
		{"bad rate", func(c *Config) { c.Pricing.Rates = map[string]string{"api": "cheap"} }, "pricing.rates.api"},
		{"bad tier price", func(c *Config) {
			c.Pricing.Tiers = map[string][]TierConfig{"tokens": {{UpTo: 10, UnitPrice: "x"}}}
		}, "pricing.tiers.tokens[0]"},
		{"storage without bucket", func(c *Config) { c.Storage.Enabled = true }, "storage.bucket"},
		{"sampling out of range", func(c *Config) { c.Telemetry.SamplingRatio = 1.5 }, "sampling_ratio"},
		{"production needs a long secret", func(c *Config) { c.App.Env = "production" }, "jwt.secret"},
		{"production needs webhook secret", func(c *Config) {
			c.App.Env = "production"
			c.JWT.Secret = "0123456789abcdef0123456789abcdef"
			c.Database.Password = "pw"
			c.Database.SSLMode = "require"
		}, "stripe.webhook_secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "ledger", Password: "p@ss word", DBName: "ledger", SSLMode: "require",
	}
	assert.Equal(t, "postgres://ledger:p%40ss%20word@db:5432/ledger?sslmode=require", d.DSN())
}
