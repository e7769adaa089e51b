package payment

import "errors"

var (
	// ErrValidation marks malformed or out-of-range input. Callers should not retry.
	ErrValidation = errors.New("payment: validation failed")
	// ErrNotFound is returned when no record exists for the provided identifier.
	ErrNotFound = errors.New("payment: not found")
	// ErrForbidden is returned when the actor's role lacks the capability.
	ErrForbidden = errors.New("payment: forbidden")
	// ErrInvalidState is returned for transitions on a record that is already terminal.
	ErrInvalidState = errors.New("payment: invalid state transition")
	// ErrStoreUnavailable signals a lock timeout or transport failure in the record store.
	ErrStoreUnavailable = errors.New("payment: store unavailable")
)
