package domain

import "errors"

var (
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
