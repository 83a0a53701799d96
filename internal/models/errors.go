package models

import "errors"

var (
	// ErrLocationUnavailable means an actor has no recent fix.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrCandidateUnavailable means a selected driver can no longer be bound.
	ErrCandidateUnavailable = errors.New("driver no longer available, please choose again")
	// ErrInvalidStateTransition means the stored ride status did not match the precondition.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrStaleData              = errors.New("stale data")
	ErrExternalService        = errors.New("external service failure")

	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNoSelection     = errors.New("no driver selected")
	ErrSessionNotFound = errors.New("tracking session not found")
)
