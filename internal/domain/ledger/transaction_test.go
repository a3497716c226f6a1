package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedAmount(t *testing.T) {
	ten := decimal.NewFromInt(10)

	assert.True(t, SignedAmount(TransactionTypeDeposit, ten).Equal(ten))
	assert.True(t, SignedAmount(TransactionTypeUsage, ten).Equal(ten.Neg()))
	assert.True(t, SignedAmount(TransactionTypeRefund, ten.Neg()).Equal(ten.Neg()))
	assert.True(t, SignedAmount(TransactionTypeAdjustment, ten).Equal(ten))
}

func TestNewTransaction(t *testing.T) {
	t.Run("builds a usage entry", func(t *testing.T) {
		tx, err := NewTransaction(TransactionParams{
			AccountID:      "acct-1",
			Type:           TransactionTypeUsage,
			Amount:         decimal.NewFromInt(4),
			BalanceBefore:  decimal.NewFromInt(10),
			BalanceAfter:   decimal.NewFromInt(6),
			IdempotencyKey: "req-1",
			Status:         TransactionStatusPending,
		})
		require.NoError(t, err)
		assert.True(t, tx.IsReservation())
		assert.Equal(t, "req-1", tx.Key())
		assert.Nil(t, tx.ExternalRef)
		assert.NotNil(t, tx.Metadata)
	})

	t.Run("defaults to completed", func(t *testing.T) {
		tx, err := NewTransaction(TransactionParams{
			AccountID:     "acct-1",
			Type:          TransactionTypeDeposit,
			Amount:        decimal.NewFromInt(5),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.NewFromInt(5),
		})
		require.NoError(t, err)
		assert.Equal(t, TransactionStatusCompleted, tx.Status)
		assert.False(t, tx.IsReservation())
	})

	t.Run("rejects arithmetic mismatch", func(t *testing.T) {
		_, err := NewTransaction(TransactionParams{
			AccountID:     "acct-1",
			Type:          TransactionTypeDeposit,
			Amount:        decimal.NewFromInt(5),
			BalanceBefore: decimal.Zero,
			BalanceAfter:  decimal.NewFromInt(6),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvariantViolation))
	})

	t.Run("rejects negative snapshot", func(t *testing.T) {
		_, err := NewTransaction(TransactionParams{
			AccountID:     "acct-1",
			Type:          TransactionTypeUsage,
			Amount:        decimal.NewFromInt(5),
			BalanceBefore: decimal.NewFromInt(1),
			BalanceAfter:  decimal.NewFromInt(-4),
		})
		assert.True(t, errors.Is(err, ErrInvariantViolation))
	})

	t.Run("rejects negative unsigned amount", func(t *testing.T) {
		_, err := NewTransaction(TransactionParams{
			AccountID: "acct-1",
			Type:      TransactionTypeDeposit,
			Amount:    decimal.NewFromInt(-1),
		})
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
	})

	t.Run("accepts negative refund", func(t *testing.T) {
		tx, err := NewTransaction(TransactionParams{
			AccountID:     "acct-1",
			Type:          TransactionTypeRefund,
			Amount:        decimal.NewFromInt(-3),
			BalanceBefore: decimal.NewFromInt(3),
			BalanceAfter:  decimal.Zero,
			ExternalRef:   "re_1",
		})
		require.NoError(t, err)
		require.NotNil(t, tx.ExternalRef)
		assert.Equal(t, "re_1", *tx.ExternalRef)
	})

	t.Run("rejects unknown type and missing account", func(t *testing.T) {
		_, err := NewTransaction(TransactionParams{AccountID: "a", Type: "bonus"})
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))

		_, err = NewTransaction(TransactionParams{Type: TransactionTypeDeposit})
		assert.True(t, errors.Is(err, shared.ErrInvalidInput))
	})
}

func TestTimeWindow(t *testing.T) {
	now := time.Now()
	w := TimeWindow{From: now.Add(-time.Hour), To: now}

	assert.True(t, w.Contains(now.Add(-time.Minute)))
	assert.True(t, w.Contains(now))
	assert.False(t, w.Contains(now.Add(time.Minute)))
	assert.True(t, TimeWindow{}.Contains(now))

	assert.NoError(t, w.Validate())
	assert.Error(t, TimeWindow{From: now, To: now.Add(-time.Second)}.Validate())
}

func TestOutcomeFromError(t *testing.T) {
	o, ok := OutcomeFromError(nil)
	assert.True(t, ok)
	assert.Equal(t, OutcomeOK, o)

	o, ok = OutcomeFromError(ErrInsufficientFunds.WithMessage("short by 0.01"))
	assert.True(t, ok)
	assert.Equal(t, OutcomeInsufficientFunds, o)
	assert.ErrorIs(t, o.Err(), ErrInsufficientFunds)

	o, ok = OutcomeFromError(ErrAccountNotFound)
	assert.True(t, ok)
	assert.Equal(t, OutcomeAccountNotFound, o)

	_, ok = OutcomeFromError(ErrTransientStore)
	assert.False(t, ok)
}

func TestPaymentEventValidate(t *testing.T) {
	valid := PaymentEvent{
		Type:        PaymentEventSucceeded,
		ExternalRef: "evt-1",
		Amount:      decimal.NewFromInt(5),
		AccountID:   "acct-1",
	}
	assert.NoError(t, valid.Validate())

	failed := valid
	failed.Type = PaymentEventFailed
	failed.Amount = decimal.Zero
	assert.NoError(t, failed.Validate())
	assert.Equal(t, "evt-1:failed", failed.FailedMarkerKey())

	noRef := valid
	noRef.ExternalRef = " "
	assert.Error(t, noRef.Validate())

	zero := valid
	zero.Amount = decimal.Zero
	assert.ErrorIs(t, zero.Validate(), shared.ErrInvalidInput)

	unknown := valid
	unknown.Type = "chargeback"
	assert.Error(t, unknown.Validate())
}
