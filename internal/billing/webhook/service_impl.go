package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/creditledger/internal/billing/domain"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Reconciler domain.Reconciler
}

type Service struct {
	log        *zap.Logger
	verifier   *Verifier
	reconciler domain.Reconciler
}

func New(p Params) domain.Intake {
	return &Service{
		log:        p.Log.Named("billing.webhook"),
		verifier:   NewVerifier(p.Cfg.BillingWebhookSecret, p.Cfg.BillingWebhookTolerance, p.Clock),
		reconciler: p.Reconciler,
	}
}

// Ingest verifies the delivery, decodes it into the canonical event and
// hands it to the reconciler. Decoding happens here and nowhere else.
func (s *Service) Ingest(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.verifier.Verify(payload, headers.Get(SignatureHeader)); err != nil {
		s.log.Warn("webhook signature rejected")
		return err
	}

	event, err := decodeEvent(payload)
	if err != nil {
		return err
	}

	return s.reconciler.ProcessEvent(ctx, event, payload)
}

type envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    envelopeData `json:"data"`
}

type envelopeData struct {
	Object json.RawMessage `json:"object"`
}

type subscriptionObject struct {
	ID                 string         `json:"id"`
	AccountID          string         `json:"account_id"`
	PlanID             string         `json:"plan_id"`
	Status             string         `json:"status"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end"`
	Metadata           map[string]any `json:"metadata"`
}

type paymentObject struct {
	ID        string         `json:"id"`
	AccountID string         `json:"account_id"`
	Amount    int64          `json:"amount"`
	Currency  string         `json:"currency"`
	Metadata  map[string]any `json:"metadata"`
}

func decodeEvent(payload []byte) (*domain.Event, error) {
	if !json.Valid(payload) {
		return nil, domain.ErrInvalidPayload
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.Event{
		ID:      strings.TrimSpace(env.ID),
		Type:    domain.EventType(strings.TrimSpace(env.Type)),
		Created: time.Unix(env.Created, 0).UTC(),
	}

	switch event.Type {
	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(env.Data.Object, &sub); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(sub.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		event.Subscription = &domain.SubscriptionEvent{
			ExternalSubscriptionID: strings.TrimSpace(sub.ID),
			AccountID:              strings.TrimSpace(sub.AccountID),
			PlanID:                 strings.TrimSpace(sub.PlanID),
			Status:                 strings.TrimSpace(sub.Status),
			CurrentPeriodStart:     time.Unix(sub.CurrentPeriodStart, 0).UTC(),
			CurrentPeriodEnd:       time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
			CancelAtPeriodEnd:      sub.CancelAtPeriodEnd,
		}

	case domain.EventPaymentSucceeded:
		var pay paymentObject
		if err := json.Unmarshal(env.Data.Object, &pay); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		if strings.TrimSpace(pay.ID) == "" {
			return nil, domain.ErrInvalidEvent
		}
		event.Payment = &domain.PaymentEvent{
			ExternalPaymentID: strings.TrimSpace(pay.ID),
			AccountID:         strings.TrimSpace(pay.AccountID),
			PackageID:         metadataString(pay.Metadata, "package_id"),
			TokenAmount:       metadataInt(pay.Metadata, "token_amount"),
			AmountCents:       pay.Amount,
			Currency:          strings.ToUpper(strings.TrimSpace(pay.Currency)),
		}
	}

	return event, nil
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if value, ok := metadata[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func metadataInt(metadata map[string]any, key string) int64 {
	if metadata == nil {
		return 0
	}
	switch value := metadata[key].(type) {
	case float64:
		return int64(value)
	case string:
		parsed, err := json.Number(strings.TrimSpace(value)).Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
