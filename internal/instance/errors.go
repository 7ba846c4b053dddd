package instance

import "errors"

var (
	ErrCapacityExceeded        = errors.New("instance capacity exceeded")
	ErrNotFound                = errors.New("instance not found")
	ErrParentTerminating       = errors.New("parent instance is terminating")
	ErrParentNotReady          = errors.New("parent instance is not ready")
	ErrDriverStartFailed       = errors.New("session driver failed to start")
	ErrDriverShutdownFailed    = errors.New("session driver failed to shut down")
	ErrReadyTimeout            = errors.New("instance did not become ready in time")
	ErrLimitExceeded           = errors.New("instance resource limit exceeded")
	ErrInterventionRateLimited = errors.New("intervention rate limited")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrRecipientUnavailable    = errors.New("recipient unavailable")
	ErrInvalidConfig           = errors.New("invalid configuration")
)
