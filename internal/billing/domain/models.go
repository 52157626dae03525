// Package domain defines the canonical billing event types and the
// processed-event ledger that makes webhook delivery idempotent.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType is the provider event name after normalization.
type EventType string

const (
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "payment.succeeded"
)

// Event is the typed form of one webhook delivery, decoded exactly once at
// the intake boundary. Exactly one variant pointer is set for recognized
// types; unrecognized types carry only the envelope fields.
type Event struct {
	ID      string
	Type    EventType
	Created time.Time

	Subscription *SubscriptionEvent
	Payment      *PaymentEvent
}

// SubscriptionEvent is one provider subscription snapshot.
type SubscriptionEvent struct {
	ExternalSubscriptionID string
	AccountID              string
	PlanID                 string
	Status                 string
	CurrentPeriodStart     time.Time
	CurrentPeriodEnd       time.Time
	CancelAtPeriodEnd      bool
}

// PaymentEvent is one settled payment. Token purchases carry either a
// package id or an explicit token amount in the provider metadata; other
// payments carry neither and have no ledger effect.
type PaymentEvent struct {
	ExternalPaymentID string
	AccountID         string
	PackageID         string
	TokenAmount       int64
	AmountCents       int64
	Currency          string
}

// EventStatus is the lifecycle of a processed-event record.
type EventStatus string

const (
	// EventStatusReceived only exists inside an open transaction; committed
	// records are always processed or failed.
	EventStatusReceived EventStatus = "received"

	// EventStatusProcessed means effects were committed (possibly none).
	EventStatusProcessed EventStatus = "processed"

	// EventStatusFailed means the event could not be interpreted and will
	// never be retried.
	EventStatusFailed EventStatus = "failed"
)

// EventRecord is the dedup row for one external event id. It commits in the
// same transaction as the event's effects, so a recorded event is a fully
// applied event.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	ExternalEventID string         `json:"external_event_id" gorm:"type:text;not null;uniqueIndex"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	AccountID       string         `json:"account_id" gorm:"type:text;index"`
	Status          EventStatus    `json:"status" gorm:"type:text;not null"`
	FailureReason   string         `json:"failure_reason,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "processed_billing_events" }
