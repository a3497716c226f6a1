package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ledger/backend/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	zaplogger "github.com/ledger/backend/internal/infrastructure/logger"
	gormlogger "gorm.io/gorm/logger"
)

func sqliteConfig(t *testing.T) *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "ledger.db"),
		MaxOpenConns: 5,
		MaxIdleConns: 1,
	}
}

func TestNewDatabase_SQLite(t *testing.T) {
	ctx := context.Background()
	db, err := NewDatabase(sqliteConfig(t),
		WithGormLogger(zaplogger.NewGormLogger(zaptest.NewLogger(t), gormlogger.Warn)))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.AutoMigrate())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MaxOpenConnections)

	store := NewGormBalanceStore(db.DB)
	_, err = store.EnsureAccount(ctx, "acct-1", "")
	require.NoError(t, err)
	res, err := store.AtomicAdjust(ctx, "acct-1", dec("2.5"))
	require.NoError(t, err)
	assert.True(t, res.BalanceAfter.Equal(dec("2.5")))
}

func TestNewDatabase_PostgresUnreachable(t *testing.T) {
	_, err := NewDatabase(&config.DatabaseConfig{
		Driver: "postgres", Host: "127.0.0.1", Port: 1, User: "x", DBName: "x", SSLMode: "disable",
		MaxOpenConns: 1,
	})
	assert.Error(t, err)
}

func TestDatabase_Close(t *testing.T) {
	db, err := NewDatabase(sqliteConfig(t))
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "a.db?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", sqliteDSN("a.db"))
	assert.Equal(t, "file:x?mode=memory", sqliteDSN("file:x?mode=memory"))
}
