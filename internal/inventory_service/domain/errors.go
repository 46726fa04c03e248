package domain

import "errors"

var (
	// ErrNotFound indicates that the inventory row does not exist.
	ErrNotFound = errors.New("inventory record not found")
	// ErrInvalidNumber indicates a phone number that cannot be normalized.
	ErrInvalidNumber = errors.New("invalid phone number")
	// ErrInvalidTransition indicates a lifecycle edge that is not allowed.
	ErrInvalidTransition = errors.New("invalid inventory transition")
	// ErrReconciliationConflict indicates the row changed after the diff was taken.
	ErrReconciliationConflict = errors.New("inventory row changed since diff")
	// ErrNoPendingDiff indicates there is no cached diff to apply for the tenant.
	ErrNoPendingDiff = errors.New("no pending diff for tenant")
	// ErrSourceUnavailable marks a transient authoritative fetch failure worth retrying.
	ErrSourceUnavailable = errors.New("authoritative source temporarily unavailable")
)
