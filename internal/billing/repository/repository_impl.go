package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/billing/domain"
	pkgdb "github.com/smallbiznis/creditledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO processed_billing_events (
			id, external_event_id, event_type, account_id, status,
			failure_reason, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT (external_event_id) DO NOTHING`,
		record.ID,
		record.ExternalEventID,
		record.EventType,
		record.AccountID,
		record.Status,
		record.FailureReason,
		record.Payload,
		record.ReceivedAt,
	)
	if res.Error != nil {
		if pkgdb.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) LoadEvent(ctx context.Context, db *gorm.DB, externalEventID string) (*domain.EventRecord, error) {
	var rows []domain.EventRecord
	err := db.WithContext(ctx).
		Table("processed_billing_events").
		Where("external_event_id = ?", externalEventID).
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

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_billing_events
		 SET status = ?, processed_at = ?
		 WHERE id = ?`,
		domain.EventStatusProcessed,
		now,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE processed_billing_events
		 SET status = ?, failure_reason = ?, processed_at = ?
		 WHERE id = ?`,
		domain.EventStatusFailed,
		reason,
		now,
		id,
	).Error
}
