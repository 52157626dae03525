package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.Subscription, error) {
	var rows []domain.Subscription
	err := db.WithContext(ctx).
		Table("subscriptions").
		Where("external_subscription_id = ?", externalID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// FindCurrent prefers the newest non-canceled subscription and falls back to
// the newest row of any status.
func (r *repo) FindCurrent(ctx context.Context, db *gorm.DB, accountID string) (*domain.Subscription, error) {
	var rows []domain.Subscription
	err := db.WithContext(ctx).
		Table("subscriptions").
		Where("account_id = ? AND status <> ?", accountID, domain.StatusCanceled).
		Order("current_period_end DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return &rows[0], nil
	}

	err = db.WithContext(ctx).
		Table("subscriptions").
		Where("account_id = ?", accountID).
		Order("current_period_end DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET account_id = ?, plan_id = ?, status = ?, current_period_start = ?,
			current_period_end = ?, cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ?`,
		sub.AccountID,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) UpdateCancelFlag(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET cancel_at_period_end = ?, updated_at = ?
		 WHERE id = ?`,
		cancel,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
