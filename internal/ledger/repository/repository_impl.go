package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/ledger/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureAccount(ctx context.Context, db *gorm.DB, accountID string, now time.Time) (domain.AccountBalance, error) {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO account_balances (account_id, balance, updated_at)
		 VALUES (?, 0, ?)
		 ON CONFLICT (account_id) DO NOTHING`,
		accountID,
		now,
	).Error
	if err != nil {
		return domain.AccountBalance{}, err
	}

	existing, err := r.GetBalance(ctx, db, accountID)
	if err != nil {
		return domain.AccountBalance{}, err
	}
	if existing == nil {
		return domain.AccountBalance{}, domain.ErrAccountNotFound
	}
	return *existing, nil
}

func (r *repo) GetBalance(ctx context.Context, db *gorm.DB, accountID string) (*domain.AccountBalance, error) {
	var rows []domain.AccountBalance
	err := db.WithContext(ctx).Raw(
		`SELECT account_id, balance, updated_at
		 FROM account_balances
		 WHERE account_id = ?
		 LIMIT 1`,
		accountID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// InsertTransaction reports false when the row lost to an existing external
// reference or idempotency key. Conflicts must resolve without raising a
// constraint error so the surrounding transaction stays usable for the
// prior-row lookup.
func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO token_transactions (
			id, account_id, delta, kind, description, external_reference,
			idempotency_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		txn.ID,
		txn.AccountID,
		txn.Delta,
		txn.Kind,
		txn.Description,
		txn.ExternalReference,
		txn.IdempotencyKey,
		txn.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) AdjustBalance(ctx context.Context, db *gorm.DB, accountID string, delta int64, now time.Time) (bool, error) {
	// The WHERE clause makes the non-negativity check and the write one
	// atomic statement; two racing spends cannot both pass it.
	res := db.WithContext(ctx).Exec(
		`UPDATE account_balances
		 SET balance = balance + ?, updated_at = ?
		 WHERE account_id = ? AND balance + ? >= 0`,
		delta,
		now,
		accountID,
		delta,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, accountID, key string) (*domain.Transaction, error) {
	var rows []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, delta, kind, description, external_reference,
			idempotency_key, created_at
		 FROM token_transactions
		 WHERE account_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		accountID,
		key,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindByExternalReference(ctx context.Context, db *gorm.DB, externalRef string) (*domain.Transaction, error) {
	var rows []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, delta, kind, description, external_reference,
			idempotency_key, created_at
		 FROM token_transactions
		 WHERE external_reference = ?
		 LIMIT 1`,
		externalRef,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID string, before *domain.Transaction, limit int) ([]domain.Transaction, error) {
	query := db.WithContext(ctx).
		Table("token_transactions").
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)

	if before != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			before.CreatedAt,
			before.CreatedAt,
			before.ID,
		)
	}

	var rows []domain.Transaction
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) FindTransaction(ctx context.Context, db *gorm.DB, id string) (*domain.Transaction, error) {
	parsed, perr := snowflake.ParseString(id)
	if perr != nil {
		return nil, nil
	}

	var rows []domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, delta, kind, description, external_reference,
			idempotency_key, created_at
		 FROM token_transactions
		 WHERE id = ?
		 LIMIT 1`,
		parsed,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) SumDeltas(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var sum int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta), 0)
		 FROM token_transactions
		 WHERE account_id = ?`,
		accountID,
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}
