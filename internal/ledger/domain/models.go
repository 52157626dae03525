// Package domain contains persistence models for account balances and the
// token transaction log.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionKind classifies ledger transactions.
type TransactionKind string

const (
	KindPurchase          TransactionKind = "purchase"
	KindUsage             TransactionKind = "usage"
	KindRefund            TransactionKind = "refund"
	KindSubscriptionGrant TransactionKind = "subscription_grant"
)

// Valid reports whether the kind is one of the closed set.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindUsage, KindRefund, KindSubscriptionGrant:
		return true
	default:
		return false
	}
}

// AccountBalance is the single mutable row per account. Only the ledger
// service writes it; every other component reads it.
type AccountBalance struct {
	AccountID string    `json:"account_id" gorm:"primaryKey;type:text"`
	Balance   int64     `json:"balance" gorm:"not null;default:0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AccountBalance) TableName() string { return "account_balances" }

// Transaction is an immutable, append-only ledger entry. The running sum of
// Delta per account always equals that account's balance.
type Transaction struct {
	ID                snowflake.ID    `json:"id" gorm:"primaryKey"`
	AccountID         string          `json:"account_id" gorm:"type:text;not null;index;uniqueIndex:ux_token_transactions_account_idem,priority:1"`
	Delta             int64           `json:"delta" gorm:"not null"`
	Kind              TransactionKind `json:"kind" gorm:"type:text;not null"`
	Description       string          `json:"description" gorm:"type:text"`
	ExternalReference *string         `json:"external_reference,omitempty" gorm:"type:text;uniqueIndex"`
	IdempotencyKey    *string         `json:"-" gorm:"type:text;uniqueIndex:ux_token_transactions_account_idem,priority:2"`
	CreatedAt         time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "token_transactions" }
