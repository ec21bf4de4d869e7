package domain

import "errors"

// Shared error taxonomy. Services wrap these with fmt.Errorf("...: %w", err)
// so callers can classify failures with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrStalePrice          = errors.New("stale price, retry with current price")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRateLimited         = errors.New("rate limited")
	ErrDisputeWindowClosed = errors.New("dispute window closed")
	ErrAlreadySettled      = errors.New("escrow already settled")
	ErrInvalidState        = errors.New("invalid state")
	ErrEscrowNotFound      = errors.New("escrow not found")
	ErrExternalService     = errors.New("external service failure")
)
