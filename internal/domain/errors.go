package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation failed")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionInvalid   = errors.New("invalid session data")
	ErrSessionType      = errors.New("invalid session type")
	ErrNoApprovedVaults = errors.New("no approved vaults configured")
	ErrUnsafeMarket     = errors.New("market conditions unsafe")
	ErrRunInProgress    = errors.New("run already in progress")
	ErrBadRevocation    = errors.New("invalid revocation artifact")
	ErrSigningFailed    = errors.New("signing failed")
	ErrNotDeployed      = errors.New("account delegation not deployed")
	ErrSponsorBudget    = errors.New("sponsor budget exhausted")
	ErrContextDone      = errors.New("context cancelled")
)
