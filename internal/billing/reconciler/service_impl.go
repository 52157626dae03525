package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"github.com/smallbiznis/creditledger/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	GenID           *snowflake.Node
	Clock           clock.Clock
	LedgerSvc       ledgerdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Repo            billingdomain.Repository
	Plans           *config.PlanCatalog
	Metrics         *metrics.Metrics `optional:"true"`
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	genID           *snowflake.Node
	clock           clock.Clock
	ledgerSvc       ledgerdomain.Service
	subscriptionSvc subscriptiondomain.Service
	repo            billingdomain.Repository
	plans           *config.PlanCatalog
	metrics         *metrics.Metrics
}

func New(p Params) billingdomain.Reconciler {
	return &Service{
		db:              p.DB,
		log:             p.Log.Named("billing.reconciler"),
		genID:           p.GenID,
		clock:           p.Clock,
		ledgerSvc:       p.LedgerSvc,
		subscriptionSvc: p.SubscriptionSvc,
		repo:            p.Repo,
		plans:           p.Plans,
		metrics:         p.Metrics,
	}
}

// outcome labels one applied event for logging and metrics.
type outcome string

const (
	outcomeApplied outcome = "applied"
	outcomeNoop    outcome = "noop"
	outcomeStale   outcome = "stale"
)

// ProcessEvent records and applies one event atomically: the dedup record,
// the subscription state change and any ledger grant commit together or not
// at all. Redelivery of a recorded event returns ErrEventAlreadyProcessed
// without touching state.
//
// Interpretation failures (unknown plan or package, missing account) commit
// the record as failed with no effects, so the provider stops redelivering
// something that can never succeed. Storage failures roll everything back and
// surface to the caller for retry.
func (s *Service) ProcessEvent(ctx context.Context, event *billingdomain.Event, payload []byte) error {
	if event == nil || strings.TrimSpace(event.ID) == "" || strings.TrimSpace(string(event.Type)) == "" {
		return billingdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	record := billingdomain.EventRecord{
		ID:              s.genID.Generate(),
		ExternalEventID: event.ID,
		EventType:       string(event.Type),
		AccountID:       eventAccountID(event),
		Status:          billingdomain.EventStatusReceived,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	var result outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertEvent(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			return billingdomain.ErrEventAlreadyProcessed
		}

		// Effects run under a savepoint so a terminal failure discards them
		// while the failed record still commits.
		applyErr := tx.Transaction(func(effects *gorm.DB) error {
			var err error
			result, err = s.applyEvent(ctx, effects, event)
			return err
		})
		if applyErr != nil {
			if !isTerminal(applyErr) {
				return applyErr
			}
			s.log.Warn("billing event failed terminally",
				zap.String("external_event_id", event.ID),
				zap.String("event_type", string(event.Type)),
				zap.Error(applyErr),
			)
			if err := s.repo.MarkFailed(ctx, tx, record.ID, applyErr.Error(), s.clock.Now()); err != nil {
				return err
			}
			result = outcome("failed")
			return nil
		}

		return s.repo.MarkProcessed(ctx, tx, record.ID, s.clock.Now())
	})
	if err != nil {
		return err
	}

	s.metrics.RecordBillingEvent(ctx, string(event.Type), string(result))
	s.log.Info("billing event reconciled",
		zap.String("external_event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("outcome", string(result)),
	)
	return nil
}

func (s *Service) applyEvent(ctx context.Context, tx *gorm.DB, event *billingdomain.Event) (outcome, error) {
	switch event.Type {
	case billingdomain.EventSubscriptionCreated, billingdomain.EventSubscriptionUpdated:
		return s.applySubscription(ctx, tx, event)
	case billingdomain.EventSubscriptionDeleted:
		return s.applyCancellation(ctx, tx, event)
	case billingdomain.EventPaymentSucceeded:
		return s.applyPayment(ctx, tx, event)
	default:
		// Unrecognized types are recorded and dropped so the provider can
		// add event types without breaking us.
		return outcomeNoop, nil
	}
}

func (s *Service) applySubscription(ctx context.Context, tx *gorm.DB, event *billingdomain.Event) (outcome, error) {
	sub := event.Subscription
	if sub == nil {
		return "", billingdomain.ErrInvalidEvent
	}
	if sub.AccountID == "" {
		return "", billingdomain.ErrMissingAccount
	}

	result, err := s.subscriptionSvc.SyncTx(ctx, tx, subscriptiondomain.SyncInput{
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		AccountID:              sub.AccountID,
		PlanID:                 sub.PlanID,
		Status:                 subscriptiondomain.Status(sub.Status),
		CurrentPeriodStart:     sub.CurrentPeriodStart,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
	})
	if err != nil {
		return "", err
	}
	if result.Stale {
		s.metrics.RecordStaleEvent(ctx, string(event.Type))
		return outcomeStale, nil
	}
	if !result.NewPeriod {
		return outcomeNoop, nil
	}

	allotment, ok := s.plans.PlanAllotment(sub.PlanID)
	if !ok {
		return "", fmt.Errorf("%w: %s", billingdomain.ErrUnknownPlan, sub.PlanID)
	}

	_, err = s.ledgerSvc.GrantTx(ctx, tx, ledgerdomain.GrantInput{
		AccountID:         sub.AccountID,
		Amount:            allotment,
		Kind:              ledgerdomain.KindSubscriptionGrant,
		Description:       fmt.Sprintf("plan %s period grant", sub.PlanID),
		ExternalReference: event.ID,
	})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (s *Service) applyCancellation(ctx context.Context, tx *gorm.DB, event *billingdomain.Event) (outcome, error) {
	sub := event.Subscription
	if sub == nil {
		return "", billingdomain.ErrInvalidEvent
	}

	_, err := s.subscriptionSvc.CancelTx(ctx, tx, subscriptiondomain.CancelInput{
		ExternalSubscriptionID: sub.ExternalSubscriptionID,
		AccountID:              sub.AccountID,
	})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func (s *Service) applyPayment(ctx context.Context, tx *gorm.DB, event *billingdomain.Event) (outcome, error) {
	pay := event.Payment
	if pay == nil {
		return "", billingdomain.ErrInvalidEvent
	}

	tokens := pay.TokenAmount
	if tokens <= 0 && pay.PackageID != "" {
		var ok bool
		tokens, ok = s.plans.PackageTokens(pay.PackageID)
		if !ok {
			return "", fmt.Errorf("%w: %s", billingdomain.ErrUnknownPackage, pay.PackageID)
		}
	}
	if tokens <= 0 {
		// A settled payment without token metadata is someone else's
		// payment, not a token purchase.
		return outcomeNoop, nil
	}
	if pay.AccountID == "" {
		return "", billingdomain.ErrMissingAccount
	}

	_, err := s.ledgerSvc.GrantTx(ctx, tx, ledgerdomain.GrantInput{
		AccountID:         pay.AccountID,
		Amount:            tokens,
		Kind:              ledgerdomain.KindPurchase,
		Description:       purchaseDescription(pay),
		ExternalReference: event.ID,
	})
	if err != nil {
		return "", err
	}
	return outcomeApplied, nil
}

func purchaseDescription(pay *billingdomain.PaymentEvent) string {
	if pay.PackageID != "" {
		return fmt.Sprintf("token package %s", pay.PackageID)
	}
	return "token purchase"
}

func eventAccountID(event *billingdomain.Event) string {
	if event.Subscription != nil {
		return event.Subscription.AccountID
	}
	if event.Payment != nil {
		return event.Payment.AccountID
	}
	return ""
}

// isTerminal separates interpretation failures, which will fail identically
// on every redelivery, from storage failures worth retrying.
func isTerminal(err error) bool {
	for _, terminal := range []error{
		billingdomain.ErrInvalidEvent,
		billingdomain.ErrMissingAccount,
		billingdomain.ErrUnknownPlan,
		billingdomain.ErrUnknownPackage,
		subscriptiondomain.ErrInvalidSubscription,
		ledgerdomain.ErrInvalidAccount,
		ledgerdomain.ErrInvalidAmount,
		ledgerdomain.ErrInvalidKind,
	} {
		if errors.Is(err, terminal) {
			return true
		}
	}
	return false
}
