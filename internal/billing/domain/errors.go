package domain

import "errors"

var (
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrMissingAccount        = errors.New("missing_account")
	ErrUnknownPlan           = errors.New("unknown_plan")
	ErrUnknownPackage        = errors.New("unknown_package")
)
