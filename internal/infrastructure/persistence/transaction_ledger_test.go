package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTx(t *testing.T, p ledger.TransactionParams, at time.Time) *ledger.Transaction {
	t.Helper()
	if p.AccountID == "" {
		p.AccountID = "acct-1"
	}
	tx, err := ledger.NewTransaction(p)
	require.NoError(t, err)
	tx.CreatedAt = at
	tx.UpdatedAt = at
	return tx
}

func TestGormTransactionLedger_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("writes and reads back", func(t *testing.T) {
		repo := NewGormTransactionLedger(testutil.NewSQLiteDB(t))
		tx := newTx(t, ledger.TransactionParams{
			Type: ledger.TransactionTypeDeposit, Amount: dec("12.5"),
			BalanceBefore: dec("0"), BalanceAfter: dec("12.5"),
			ExternalRef: "pi_1", Metadata: ledger.Metadata{"source": "card"},
		}, baseTime)

		res, err := repo.Append(ctx, tx)
		require.NoError(t, err)
		assert.False(t, res.Duplicate)

		got, err := repo.GetByID(ctx, tx.ID)
		require.NoError(t, err)
		assert.True(t, got.Amount.Equal(dec("12.5")))
		assert.Equal(t, "pi_1", *got.ExternalRef)
		assert.Equal(t, "card", got.Metadata["source"])
		assert.Equal(t, ledger.TransactionStatusCompleted, got.Status)
	})

	t.Run("same key returns the first row", func(t *testing.T) {
		repo := NewGormTransactionLedger(testutil.NewSQLiteDB(t))
		first := newTx(t, ledger.TransactionParams{
			Type: ledger.TransactionTypeUsage, Amount: dec("2"),
			BalanceBefore: dec("5"), BalanceAfter: dec("3"),
			IdempotencyKey: "job-1", Status: ledger.TransactionStatusPending,
		}, baseTime)
		_, err := repo.Append(ctx, first)
		require.NoError(t, err)

		second := newTx(t, ledger.TransactionParams{
			Type: ledger.TransactionTypeUsage, Amount: dec("9"),
			BalanceBefore: dec("9"), BalanceAfter: dec("0"),
			IdempotencyKey: "job-1",
		}, baseTime.Add(time.Minute))
		res, err := repo.Append(ctx, second)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)
		assert.Equal(t, first.ID, res.Transaction.ID)
		assert.True(t, res.Transaction.Amount.Equal(dec("2")))

		rows, err := repo.GetByAccount(ctx, "acct-1", 0, 0)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("rejects broken arithmetic", func(t *testing.T) {
		repo := NewGormTransactionLedger(testutil.NewSQLiteDB(t))
		tx := newTx(t, ledger.TransactionParams{
			Type: ledger.TransactionTypeDeposit, Amount: dec("1"),
			BalanceBefore: dec("0"), BalanceAfter: dec("1"),
		}, baseTime)
		tx.BalanceAfter = dec("2")

		_, err := repo.Append(ctx, tx)
		assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	})

	t.Run("unknown lookups", func(t *testing.T) {
		repo := NewGormTransactionLedger(testutil.NewSQLiteDB(t))
		_, err := repo.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
		_, err = repo.GetByIdempotencyKey(ctx, "nope")
		assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
	})
}

func TestGormTransactionLedger_Queries(t *testing.T) {
	ctx := context.Background()
	repo := NewGormTransactionLedger(testutil.NewSQLiteDB(t))

	entries := []struct {
		params ledger.TransactionParams
		at     time.Time
	}{
		{ledger.TransactionParams{Type: ledger.TransactionTypeDeposit, Amount: dec("10"), BalanceBefore: dec("0"), BalanceAfter: dec("10")}, baseTime},
		{ledger.TransactionParams{Type: ledger.TransactionTypeUsage, Amount: dec("3"), BalanceBefore: dec("10"), BalanceAfter: dec("7"), IdempotencyKey: "r-1", Status: ledger.TransactionStatusPending}, baseTime.Add(time.Hour)},
		{ledger.TransactionParams{Type: ledger.TransactionTypeUsage, Amount: dec("1.25"), BalanceBefore: dec("7"), BalanceAfter: dec("5.75"), IdempotencyKey: "r-2"}, baseTime.Add(2 * time.Hour)},
		{ledger.TransactionParams{Type: ledger.TransactionTypeDeposit, Amount: dec("4"), BalanceBefore: dec("5.75"), BalanceAfter: dec("9.75")}, baseTime.Add(3 * time.Hour)},
		{ledger.TransactionParams{AccountID: "acct-2", Type: ledger.TransactionTypeDeposit, Amount: dec("100"), BalanceBefore: dec("0"), BalanceAfter: dec("100")}, baseTime},
	}
	for _, e := range entries {
		_, err := repo.Append(ctx, newTx(t, e.params, e.at))
		require.NoError(t, err)
	}

	t.Run("history is newest first and paged", func(t *testing.T) {
		rows, err := repo.GetByAccount(ctx, "acct-1", 2, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, rows[0].Amount.Equal(dec("4")))
		assert.True(t, rows[1].Amount.Equal(dec("1.25")))

		rows, err = repo.GetByAccount(ctx, "acct-1", 2, 2)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.True(t, rows[1].Amount.Equal(dec("10")))
	})

	t.Run("window listing is oldest first", func(t *testing.T) {
		window := ledger.TimeWindow{From: baseTime.Add(time.Hour), To: baseTime.Add(2 * time.Hour)}
		rows, err := repo.ListByAccountWindow(ctx, "acct-1", window, 0, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "r-1", rows[0].Key())
		assert.Equal(t, "r-2", rows[1].Key())
	})

	t.Run("sum by type", func(t *testing.T) {
		sum, err := repo.SumByType(ctx, "acct-1", ledger.TransactionTypeDeposit, ledger.TimeWindow{})
		require.NoError(t, err)
		assert.True(t, sum.Equal(dec("14")), sum.String())

		sum, err = repo.SumByType(ctx, "acct-1", ledger.TransactionTypeUsage, ledger.TimeWindow{To: baseTime.Add(90 * time.Minute)})
		require.NoError(t, err)
		assert.True(t, sum.Equal(dec("3")), sum.String())

		sum, err = repo.SumByType(ctx, "acct-1", ledger.TransactionTypeRefund, ledger.TimeWindow{})
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
	})

	t.Run("pending sweep candidates", func(t *testing.T) {
		rows, err := repo.FindPendingBefore(ctx, baseTime.Add(24*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "r-1", rows[0].Key())

		rows, err = repo.FindPendingBefore(ctx, baseTime, 10)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("guarded status change", func(t *testing.T) {
		pending, err := repo.GetByIdempotencyKey(ctx, "r-1")
		require.NoError(t, err)

		ok, err := repo.UpdateStatus(ctx, pending.ID, ledger.TransactionStatusPending, ledger.TransactionStatusCompleted)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.UpdateStatus(ctx, pending.ID, ledger.TransactionStatusPending, ledger.TransactionStatusRefunded)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := repo.GetByID(ctx, pending.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.TransactionStatusCompleted, got.Status)
		assert.True(t, got.Amount.Equal(dec("3")))
	})
}

func TestClampPage(t *testing.T) {
	limit, offset := clampPage(0, -3)
	assert.Equal(t, DefaultPageSize, limit)
	assert.Equal(t, 0, offset)

	limit, _ = clampPage(MaxPageSize+1, 0)
	assert.Equal(t, MaxPageSize, limit)
}
