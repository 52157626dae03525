package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// GrantInput describes a balance increase.
type GrantInput struct {
	AccountID         string
	Amount            int64
	Kind              TransactionKind
	Description       string
	ExternalReference string
	IdempotencyKey    string
}

// SpendInput describes a balance decrease.
type SpendInput struct {
	AccountID      string
	Amount         int64
	Description    string
	IdempotencyKey string
}

// TransactionPage is one page of transaction history, newest first.
type TransactionPage struct {
	Transactions []Transaction
	NextCursor   string
}

// Service is the balance mutator: the only code path allowed to change an
// account's balance. Every mutation commits the transaction row and the
// balance update as a single atomic unit.
type Service interface {
	EnsureAccount(ctx context.Context, accountID string) (AccountBalance, error)
	Grant(ctx context.Context, input GrantInput) (Transaction, error)
	Spend(ctx context.Context, input SpendInput) (Transaction, error)
	GetBalance(ctx context.Context, accountID string) (AccountBalance, error)
	ListTransactions(ctx context.Context, accountID, cursor string, limit int) (TransactionPage, error)

	// GetTransaction reads one ledger row. The account id must match the
	// row; a transaction id alone is not enough to read across accounts.
	GetTransaction(ctx context.Context, accountID, txnID string) (Transaction, error)

	// GrantTx applies a grant inside a caller-owned transaction so the
	// reconciler can commit event effects and its processed marker atomically.
	GrantTx(ctx context.Context, tx *gorm.DB, input GrantInput) (Transaction, error)
	EnsureAccountTx(ctx context.Context, tx *gorm.DB, accountID string) (AccountBalance, error)
}

// Repository isolates the raw SQL; handles are passed in so callers control
// the transactional boundary.
type Repository interface {
	EnsureAccount(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (AccountBalance, error)
	GetBalance(ctx context.Context, db *gorm.DB, accountID string) (*AccountBalance, error)

	// InsertTransaction appends a ledger row. It reports false without error
	// when a conflicting external reference or idempotency key already
	// recorded the same logical operation.
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) (bool, error)

	// AdjustBalance applies delta with a conditional update; the update only
	// succeeds when the resulting balance stays non-negative.
	AdjustBalance(ctx context.Context, db *gorm.DB, accountID string, delta int64, now time.Time) (bool, error)

	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*Transaction, error)
	FindByExternalReference(ctx context.Context, db *gorm.DB, externalRef string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, accountID string, before *Transaction, limit int) ([]Transaction, error)
	FindTransaction(ctx context.Context, db *gorm.DB, id string) (*Transaction, error)
	SumDeltas(ctx context.Context, db *gorm.DB, accountID string) (int64, error)
}
