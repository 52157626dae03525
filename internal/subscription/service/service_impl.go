package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetCurrent(ctx context.Context, accountID string) (domain.Subscription, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Subscription{}, domain.ErrInvalidAccount
	}

	sub, err := s.repo.FindCurrent(ctx, s.db, accountID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if sub == nil {
		return domain.Subscription{}, domain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

// SetCancelAtPeriodEnd flips the local cancellation flag on the account's
// current subscription. The next provider event overwrites it either way.
func (s *Service) SetCancelAtPeriodEnd(ctx context.Context, accountID string, cancel bool) (domain.Subscription, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Subscription{}, domain.ErrInvalidAccount
	}

	var updated domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindCurrent(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if sub == nil || sub.Status == domain.StatusCanceled {
			return domain.ErrSubscriptionNotFound
		}

		ok, err := s.repo.UpdateCancelFlag(ctx, tx, sub.ID, cancel, s.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrSubscriptionNotFound
		}

		sub.CancelAtPeriodEnd = cancel
		updated = *sub
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	return updated, nil
}

// SyncTx applies one provider snapshot inside a caller-owned transaction.
// Snapshots whose period end is strictly older than the stored one are
// discarded so out-of-order delivery cannot roll state backwards.
func (s *Service) SyncTx(ctx context.Context, tx *gorm.DB, input domain.SyncInput) (domain.SyncResult, error) {
	externalID := strings.TrimSpace(input.ExternalSubscriptionID)
	accountID := strings.TrimSpace(input.AccountID)
	if externalID == "" || accountID == "" || !input.Status.Valid() {
		return domain.SyncResult{}, domain.ErrInvalidSubscription
	}

	now := s.clock.Now()

	existing, err := s.repo.FindByExternalID(ctx, tx, externalID)
	if err != nil {
		return domain.SyncResult{}, err
	}

	if existing == nil {
		sub := domain.Subscription{
			ID:                     s.genID.Generate(),
			AccountID:              accountID,
			ExternalSubscriptionID: externalID,
			PlanID:                 strings.TrimSpace(input.PlanID),
			Status:                 input.Status,
			CurrentPeriodStart:     input.CurrentPeriodStart,
			CurrentPeriodEnd:       input.CurrentPeriodEnd,
			CancelAtPeriodEnd:      input.CancelAtPeriodEnd,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			return domain.SyncResult{}, err
		}
		return domain.SyncResult{
			Subscription: sub,
			NewPeriod:    input.Status == domain.StatusActive,
		}, nil
	}

	if input.CurrentPeriodEnd.Before(existing.CurrentPeriodEnd) {
		s.log.Info("stale subscription snapshot discarded",
			zap.String("external_subscription_id", externalID),
			zap.Time("stored_period_end", existing.CurrentPeriodEnd),
			zap.Time("incoming_period_end", input.CurrentPeriodEnd),
		)
		return domain.SyncResult{Subscription: *existing, Stale: true}, nil
	}

	newPeriod := input.Status == domain.StatusActive &&
		input.CurrentPeriodEnd.After(existing.CurrentPeriodEnd)

	existing.AccountID = accountID
	existing.PlanID = strings.TrimSpace(input.PlanID)
	existing.Status = input.Status
	existing.CurrentPeriodStart = input.CurrentPeriodStart
	existing.CurrentPeriodEnd = input.CurrentPeriodEnd
	existing.CancelAtPeriodEnd = input.CancelAtPeriodEnd
	existing.UpdatedAt = now

	if err := s.repo.Update(ctx, tx, existing); err != nil {
		return domain.SyncResult{}, err
	}
	return domain.SyncResult{Subscription: *existing, NewPeriod: newPeriod}, nil
}

// CancelTx marks the subscription canceled. When the deletion arrives before
// any snapshot a canceled stub is stored so later stale snapshots cannot
// resurrect it.
func (s *Service) CancelTx(ctx context.Context, tx *gorm.DB, input domain.CancelInput) (domain.Subscription, error) {
	externalID := strings.TrimSpace(input.ExternalSubscriptionID)
	if externalID == "" {
		return domain.Subscription{}, domain.ErrInvalidSubscription
	}

	now := s.clock.Now()

	existing, err := s.repo.FindByExternalID(ctx, tx, externalID)
	if err != nil {
		return domain.Subscription{}, err
	}

	if existing == nil {
		// Anchoring the stub's period end at the cancellation time makes any
		// late snapshot from before the deletion stale.
		sub := domain.Subscription{
			ID:                     s.genID.Generate(),
			AccountID:              strings.TrimSpace(input.AccountID),
			ExternalSubscriptionID: externalID,
			Status:                 domain.StatusCanceled,
			CurrentPeriodStart:     now,
			CurrentPeriodEnd:       now,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			return domain.Subscription{}, err
		}
		return sub, nil
	}

	existing.Status = domain.StatusCanceled
	existing.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, existing); err != nil {
		return domain.Subscription{}, err
	}
	return *existing, nil
}
