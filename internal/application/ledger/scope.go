package ledger

import (
	"context"

	"github.com/ledger/backend/internal/domain/ledger"
)

// LedgerRepositories exposes the stores bound to one database transaction
type LedgerRepositories interface {
	Balances() ledger.BalanceStore
	Transactions() ledger.TransactionLedger
}

// LedgerScope runs a unit of work atomically: every balance change and
// ledger append made through the repositories commits together or not at all.
// After a successful commit the scope invalidates cached balances of every
// account the unit adjusted.
type LedgerScope interface {
	Execute(ctx context.Context, fn func(repos LedgerRepositories) error) error
}
