package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/ledger/backend/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedAccount(t *testing.T, store *GormBalanceStore, id string, balance string) {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureAccount(ctx, id, "usd")
	require.NoError(t, err)
	if balance != "0" {
		_, err = store.AtomicAdjust(ctx, id, dec(balance))
		require.NoError(t, err)
	}
}

func TestGormBalanceStore_EnsureAccount(t *testing.T) {
	store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
	ctx := context.Background()

	account, err := store.EnsureAccount(ctx, "acct-1", "usd")
	require.NoError(t, err)
	assert.True(t, account.Balance.IsZero())
	assert.Equal(t, "USD", account.Currency)

	_, err = store.AtomicAdjust(ctx, "acct-1", dec("5"))
	require.NoError(t, err)

	again, err := store.EnsureAccount(ctx, "acct-1", "eur")
	require.NoError(t, err)
	assert.True(t, again.Balance.Equal(dec("5")), "existing account must not be reset")
	assert.Equal(t, "USD", again.Currency)

	_, err = store.EnsureAccount(ctx, "", "usd")
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestGormBalanceStore_AtomicAdjust(t *testing.T) {
	ctx := context.Background()

	t.Run("debit within balance", func(t *testing.T) {
		store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
		seedAccount(t, store, "acct-1", "10")

		res, err := store.AtomicAdjust(ctx, "acct-1", dec("-4"))
		require.NoError(t, err)
		assert.True(t, res.BalanceBefore.Equal(dec("10")))
		assert.True(t, res.BalanceAfter.Equal(dec("6")))
		assert.True(t, res.Applied().Equal(dec("-4")))

		account, err := store.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, account.Balance.Equal(dec("6")))
		assert.Equal(t, int64(3), account.Version)
	})

	t.Run("insufficient funds leaves balance untouched", func(t *testing.T) {
		store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
		seedAccount(t, store, "acct-1", "0.01")

		_, err := store.AtomicAdjust(ctx, "acct-1", dec("-0.02"))
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		account, err := store.Get(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, account.Balance.Equal(dec("0.01")))
	})

	t.Run("debit to exactly zero", func(t *testing.T) {
		store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
		seedAccount(t, store, "acct-1", "3")

		res, err := store.AtomicAdjust(ctx, "acct-1", dec("-3"))
		require.NoError(t, err)
		assert.True(t, res.BalanceAfter.IsZero())
	})

	t.Run("unknown account", func(t *testing.T) {
		store := NewGormBalanceStore(testutil.NewSQLiteDB(t))

		_, err := store.AtomicAdjust(ctx, "ghost", dec("1"))
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = store.Get(ctx, "ghost")
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
	})
}

func TestGormBalanceStore_AtomicAdjustClamped(t *testing.T) {
	ctx := context.Background()
	store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
	seedAccount(t, store, "acct-1", "3")

	res, err := store.AtomicAdjustClamped(ctx, "acct-1", dec("-8"))
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.Equal(dec("3")))
	assert.True(t, res.BalanceAfter.IsZero())
	assert.True(t, res.Shortfall.Equal(dec("5")))
	assert.True(t, res.Applied().Equal(dec("-3")))

	res, err = store.AtomicAdjustClamped(ctx, "acct-1", dec("2"))
	require.NoError(t, err)
	assert.True(t, res.Shortfall.IsZero())
	assert.True(t, res.BalanceAfter.Equal(dec("2")))
}

func TestGormBalanceStore_AtomicSet(t *testing.T) {
	ctx := context.Background()
	store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
	seedAccount(t, store, "acct-1", "7.5")

	res, err := store.AtomicSet(ctx, "acct-1", dec("2.25"))
	require.NoError(t, err)
	assert.True(t, res.BalanceBefore.Equal(dec("7.5")))
	assert.True(t, res.BalanceAfter.Equal(dec("2.25")))
	assert.True(t, res.Applied().Equal(dec("-5.25")))

	_, err = store.AtomicSet(ctx, "acct-1", dec("-1"))
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestGormBalanceStore_ConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	store := NewGormBalanceStore(testutil.NewSQLiteDB(t))
	seedAccount(t, store, "acct-1", "10")

	var wg sync.WaitGroup
	var ok, short int64
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AtomicAdjust(ctx, "acct-1", dec("-3"))
			switch {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case assert.ErrorIs(t, err, ledger.ErrInsufficientFunds):
				atomic.AddInt64(&short, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), ok)
	assert.Equal(t, int64(22), short)
	account, err := store.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, account.Balance.Equal(dec("1")))
}

func TestGormBalanceStore_SQLShape(t *testing.T) {
	ctx := context.Background()
	accountCols := []string{"account_id", "balance", "currency", "version", "created_at", "updated_at"}
	now := time.Now()

	t.Run("locks the row and updates by delta with version guard", func(t *testing.T) {
		mdb := testutil.NewMockDB(t)
		store := NewGormBalanceStore(mdb.DB)

		mdb.Mock.ExpectQuery(`SELECT \* FROM "accounts" WHERE account_id = \$1 .*FOR UPDATE`).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "10", "USD", 4, now, now))
		mdb.Mock.ExpectExec(`UPDATE "accounts" SET "balance"=balance \+ \$1,"updated_at"=\$2,"version"=version \+ 1 WHERE account_id = \$3 AND version = \$4`).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "acct-1", int64(4)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := store.AtomicAdjust(ctx, "acct-1", dec("-4"))
		require.NoError(t, err)
		assert.True(t, res.BalanceAfter.Equal(dec("6")))
		mdb.ExpectationsWereMet(t)
	})

	t.Run("retries a lost compare-and-swap then gives up", func(t *testing.T) {
		mdb := testutil.NewMockDB(t)
		var conflicts int
		store := NewGormBalanceStore(mdb.DB,
			WithMaxCASRetries(2),
			WithConflictHook(func(context.Context, string, int) { conflicts++ }))

		for i := 0; i < 2; i++ {
			mdb.Mock.ExpectQuery(`SELECT \* FROM "accounts"`).
				WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "10", "USD", 4+i, now, now))
			mdb.Mock.ExpectExec(`UPDATE "accounts"`).
				WillReturnResult(sqlmock.NewResult(0, 0))
		}

		_, err := store.AtomicAdjust(ctx, "acct-1", dec("1"))
		assert.ErrorIs(t, err, ledger.ErrTransientStore)
		assert.Equal(t, 2, conflicts)
		mdb.ExpectationsWereMet(t)
	})

	t.Run("serialization failure is transient", func(t *testing.T) {
		mdb := testutil.NewMockDB(t)
		store := NewGormBalanceStore(mdb.DB)

		mdb.Mock.ExpectQuery(`SELECT \* FROM "accounts"`).
			WillReturnError(&pgconn.PgError{Code: "40001", Message: "could not serialize access"})

		_, err := store.AtomicAdjust(ctx, "acct-1", dec("1"))
		assert.ErrorIs(t, err, ledger.ErrTransientStore)
		assert.True(t, ledger.IsTransient(err))
		mdb.ExpectationsWereMet(t)
	})

	t.Run("insufficient funds issues no update", func(t *testing.T) {
		mdb := testutil.NewMockDB(t)
		store := NewGormBalanceStore(mdb.DB)

		mdb.Mock.ExpectQuery(`SELECT \* FROM "accounts"`).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "0.01", "USD", 1, now, now))

		_, err := store.AtomicAdjust(ctx, "acct-1", dec("-0.02"))
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
		mdb.ExpectationsWereMet(t)
	})
}

func TestClassifyError(t *testing.T) {
	assert.Nil(t, classifyError(nil))
	assert.ErrorIs(t, classifyError(&pgconn.PgError{Code: "40P01"}), ledger.ErrTransientStore)
	assert.ErrorIs(t, classifyError(&pgconn.PgError{Code: "55P03"}), ledger.ErrTransientStore)

	unique := &pgconn.PgError{Code: "23505"}
	assert.Equal(t, error(unique), classifyError(unique))
	assert.True(t, isDuplicateKey(unique))

	assert.ErrorIs(t, classifyError(assert.AnError), assert.AnError)
	assert.False(t, ledger.IsTransient(classifyError(assert.AnError)))
}
