package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Page size limits for account history queries
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// GormTransactionLedger implements ledger.TransactionLedger using GORM.
// Rows are append-only; the only permitted update is a guarded status change.
type GormTransactionLedger struct {
	db *gorm.DB
}

// NewGormTransactionLedger creates a new GormTransactionLedger
func NewGormTransactionLedger(db *gorm.DB) *GormTransactionLedger {
	return &GormTransactionLedger{db: db}
}

// Append writes tx unless a row with the same idempotency key exists, in
// which case the existing row is returned with Duplicate set. A concurrent
// insert of the same key is absorbed by ON CONFLICT DO NOTHING, which waits
// for the competing writer instead of aborting the surrounding transaction.
func (r *GormTransactionLedger) Append(ctx context.Context, tx *ledger.Transaction) (ledger.AppendResult, error) {
	key := tx.Key()
	if key != "" {
		existing, err := r.GetByIdempotencyKey(ctx, key)
		if err == nil {
			return ledger.AppendResult{Transaction: existing, Duplicate: true}, nil
		}
		if !errors.Is(err, ledger.ErrTransactionNotFound) {
			return ledger.AppendResult{}, err
		}
	}

	if err := tx.CheckInvariants(); err != nil {
		return ledger.AppendResult{}, err
	}

	model, err := models.TransactionModelFromDomain(tx)
	if err != nil {
		return ledger.AppendResult{}, fmt.Errorf("failed to encode transaction metadata: %w", err)
	}
	now := time.Now()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = model.CreatedAt
	}

	query := r.db.WithContext(ctx)
	if key != "" {
		query = query.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := query.Create(model)
	if result.Error != nil {
		if isDuplicateKey(result.Error) {
			return ledger.AppendResult{}, ledger.ErrIdempotencyRace
		}
		return ledger.AppendResult{}, classifyError(result.Error)
	}

	if result.RowsAffected == 0 && key != "" {
		existing, err := r.GetByIdempotencyKey(ctx, key)
		if err != nil {
			if errors.Is(err, ledger.ErrTransactionNotFound) {
				return ledger.AppendResult{}, ledger.ErrIdempotencyRace
			}
			return ledger.AppendResult{}, err
		}
		return ledger.AppendResult{Transaction: existing, Duplicate: true}, nil
	}

	return ledger.AppendResult{Transaction: model.ToDomain()}, nil
}

// GetByID finds a transaction by ID
func (r *GormTransactionLedger) GetByID(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	return r.first(ctx, "id = ?", id)
}

// GetByIdempotencyKey finds the transaction written for key
func (r *GormTransactionLedger) GetByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return r.first(ctx, "idempotency_key = ?", key)
}

func (r *GormTransactionLedger) first(ctx context.Context, cond string, arg any) (*ledger.Transaction, error) {
	var model models.TransactionModel
	if err := r.db.WithContext(ctx).Where(cond, arg).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrTransactionNotFound
		}
		return nil, classifyError(err)
	}
	return normalize(model.ToDomain()), nil
}

// GetByAccount returns the account history newest first
func (r *GormTransactionLedger) GetByAccount(ctx context.Context, accountID string, limit, offset int) ([]*ledger.Transaction, error) {
	limit, offset = clampPage(limit, offset)

	var rows []models.TransactionModel
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, classifyError(err)
	}
	return toDomainList(rows), nil
}

// ListByAccountWindow returns the entries of an account inside window, oldest first
func (r *GormTransactionLedger) ListByAccountWindow(ctx context.Context, accountID string, window ledger.TimeWindow, limit, offset int) ([]*ledger.Transaction, error) {
	limit, offset = clampPage(limit, offset)

	query := applyWindow(r.db.WithContext(ctx).Where("account_id = ?", accountID), window)
	var rows []models.TransactionModel
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, classifyError(err)
	}
	return toDomainList(rows), nil
}

// SumByType totals the amounts of one transaction type inside window
func (r *GormTransactionLedger) SumByType(ctx context.Context, accountID string, txType ledger.TransactionType, window ledger.TimeWindow) (decimal.Decimal, error) {
	query := r.db.WithContext(ctx).
		Model(&models.TransactionModel{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("account_id = ? AND type = ?", accountID, txType)
	query = applyWindow(query, window)

	var sum decimal.NullDecimal
	if err := query.Row().Scan(&sum); err != nil {
		return decimal.Zero, classifyError(err)
	}
	if !sum.Valid {
		return decimal.Zero, nil
	}
	return sum.Decimal.Round(ledger.AmountScale), nil
}

// UpdateStatus changes the status of a transaction only if it is still from
func (r *GormTransactionLedger) UpdateStatus(ctx context.Context, id uuid.UUID, from, to ledger.TransactionStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.TransactionModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, classifyError(result.Error)
	}
	return result.RowsAffected == 1, nil
}

// FindPendingBefore lists reservations still pending at cutoff
func (r *GormTransactionLedger) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.Transaction, error) {
	limit, _ = clampPage(limit, 0)

	var rows []models.TransactionModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND type = ? AND created_at < ?",
			ledger.TransactionStatusPending, ledger.TransactionTypeUsage, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, classifyError(err)
	}
	return toDomainList(rows), nil
}

func applyWindow(query *gorm.DB, window ledger.TimeWindow) *gorm.DB {
	if !window.From.IsZero() {
		query = query.Where("created_at >= ?", window.From)
	}
	if !window.To.IsZero() {
		query = query.Where("created_at <= ?", window.To)
	}
	return query
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func toDomainList(rows []models.TransactionModel) []*ledger.Transaction {
	out := make([]*ledger.Transaction, len(rows))
	for i := range rows {
		out[i] = normalize(rows[i].ToDomain())
	}
	return out
}

// normalize trims representation noise that some drivers add to numerics
func normalize(tx *ledger.Transaction) *ledger.Transaction {
	tx.Amount = tx.Amount.Round(ledger.AmountScale)
	tx.BalanceBefore = tx.BalanceBefore.Round(ledger.AmountScale)
	tx.BalanceAfter = tx.BalanceAfter.Round(ledger.AmountScale)
	return tx
}

// Ensure GormTransactionLedger implements TransactionLedger
var _ ledger.TransactionLedger = (*GormTransactionLedger)(nil)
