package domain

import "errors"

var (
	ErrInvalidAccount      = errors.New("invalid_account")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrTransactionNotFound = errors.New("transaction_not_found")
	ErrInvalidCursor       = errors.New("invalid_cursor")
)
