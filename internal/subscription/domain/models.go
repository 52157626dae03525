// Package domain contains the subscription mirror of the billing provider's
// state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is the provider-reported lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Valid reports whether the status is one of the closed set.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled:
		return true
	default:
		return false
	}
}

// Subscription mirrors one provider subscription. The reconciler owns every
// column except cancel_at_period_end, which the dashboard may flip until the
// next provider event overwrites it.
type Subscription struct {
	ID                     snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID              string       `json:"account_id" gorm:"type:text;not null;index"`
	ExternalSubscriptionID string       `json:"external_subscription_id" gorm:"type:text;not null;uniqueIndex"`
	PlanID                 string       `json:"plan_id" gorm:"type:text;not null"`
	Status                 Status       `json:"status" gorm:"type:text;not null"`
	CurrentPeriodStart     time.Time    `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd       time.Time    `json:"current_period_end" gorm:"not null;index"`
	CancelAtPeriodEnd      bool         `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CreatedAt              time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
