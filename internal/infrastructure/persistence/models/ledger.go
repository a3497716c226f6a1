package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/ledger/backend/internal/domain/ledger"
	"github.com/ledger/backend/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// AccountModel is the persistence model for the Account entity.
type AccountModel struct {
	AccountID string          `gorm:"column:account_id;type:varchar(128);primaryKey"`
	Balance   decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0"`
	Currency  string          `gorm:"type:varchar(3);not null"`
	Version   int64           `gorm:"not null;default:1"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (AccountModel) TableName() string {
	return "accounts"
}

// ToDomain converts the persistence model to a domain Account
func (m *AccountModel) ToDomain() *ledger.Account {
	return &ledger.Account{
		ID:        m.AccountID,
		Balance:   m.Balance,
		Currency:  m.Currency,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// AccountModelFromDomain creates a persistence model from a domain Account
func AccountModelFromDomain(a *ledger.Account) *AccountModel {
	return &AccountModel{
		AccountID: a.ID,
		Balance:   a.Balance,
		Currency:  a.Currency,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

// TransactionModel is the persistence model for a ledger Transaction.
type TransactionModel struct {
	ID             uuid.UUID                `gorm:"type:uuid;primary_key"`
	AccountID      string                   `gorm:"type:varchar(128);not null;index:idx_ledger_tx_account_time,priority:1"`
	Type           ledger.TransactionType   `gorm:"type:varchar(20);not null"`
	Amount         decimal.Decimal          `gorm:"type:decimal(18,4);not null"`
	BalanceBefore  decimal.Decimal          `gorm:"type:decimal(18,4);not null"`
	BalanceAfter   decimal.Decimal          `gorm:"type:decimal(18,4);not null"`
	IdempotencyKey *string                  `gorm:"type:varchar(255);uniqueIndex:idx_ledger_tx_idempotency_key"`
	Status         ledger.TransactionStatus `gorm:"type:varchar(20);not null;index:idx_ledger_tx_status_time,priority:1"`
	ExternalRef    *string                  `gorm:"type:varchar(255);index"`
	Description    string                   `gorm:"type:varchar(500)"`
	MetadataJSON   string                   `gorm:"column:metadata;type:jsonb;not null;default:'{}'"`
	CreatedAt      time.Time                `gorm:"not null;index:idx_ledger_tx_account_time,priority:2;index:idx_ledger_tx_status_time,priority:2"`
	UpdatedAt      time.Time                `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TransactionModel) TableName() string {
	return "ledger_transactions"
}

// ToDomain converts the persistence model to a domain Transaction
func (m *TransactionModel) ToDomain() *ledger.Transaction {
	meta := ledger.Metadata{}
	if m.MetadataJSON != "" {
		// Rows are written through FromDomain, so the column is always an object
		_ = json.Unmarshal([]byte(m.MetadataJSON), &meta)
	}
	return &ledger.Transaction{
		BaseEntity: shared.BaseEntity{
			ID:        m.ID,
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		AccountID:      m.AccountID,
		Type:           m.Type,
		Amount:         m.Amount,
		BalanceBefore:  m.BalanceBefore,
		BalanceAfter:   m.BalanceAfter,
		IdempotencyKey: m.IdempotencyKey,
		Status:         m.Status,
		ExternalRef:    m.ExternalRef,
		Description:    m.Description,
		Metadata:       meta,
	}
}

// TransactionModelFromDomain creates a persistence model from a domain Transaction
func TransactionModelFromDomain(t *ledger.Transaction) (*TransactionModel, error) {
	meta := t.Metadata
	if meta == nil {
		meta = ledger.Metadata{}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	m := &TransactionModel{
		AccountID:      t.AccountID,
		Type:           t.Type,
		Amount:         t.Amount,
		BalanceBefore:  t.BalanceBefore,
		BalanceAfter:   t.BalanceAfter,
		IdempotencyKey: t.IdempotencyKey,
		Status:         t.Status,
		ExternalRef:    t.ExternalRef,
		Description:    t.Description,
		MetadataJSON:   string(raw),
		ID:             t.ID,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return m, nil
}
