package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SyncInput carries one provider subscription snapshot.
type SyncInput struct {
	ExternalSubscriptionID string
	AccountID              string
	PlanID                 string
	Status                 Status
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
}

// SyncResult reports what applying a snapshot did.
type SyncResult struct {
	Subscription Subscription

	// Stale is set when the snapshot's period end is strictly older than the
	// stored one; the snapshot was discarded.
	Stale bool

	// NewPeriod is set when an active snapshot opened a billing period the
	// store had not seen yet.
	NewPeriod bool
}

// CancelInput identifies the subscription a deletion event refers to.
type CancelInput struct {
	ExternalSubscriptionID string
	AccountID              string
}

// Service owns local subscription state. The tx-scoped methods exist so the
// reconciler can commit subscription changes atomically with ledger effects.
type Service interface {
	GetCurrent(ctx context.Context, accountID string) (Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, accountID string, cancel bool) (Subscription, error)

	SyncTx(ctx context.Context, tx *gorm.DB, input SyncInput) (SyncResult, error)
	CancelTx(ctx context.Context, tx *gorm.DB, input CancelInput) (Subscription, error)
}

// Repository isolates the raw SQL; handles are passed in so callers control
// the transactional boundary.
type Repository interface {
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Subscription, error)
	FindCurrent(ctx context.Context, db *gorm.DB, accountID string) (*Subscription, error)
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateCancelFlag(ctx context.Context, db *gorm.DB, id snowflake.ID, cancel bool, now time.Time) (bool, error)
}
