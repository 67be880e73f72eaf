package lifecycle

import "errors"

var (
	// ErrUnknownSubscription is returned when an event references a provider
	// subscription that is not in the store yet. Recoverable: provider events
	// can race ahead of local writes, so callers retry or defer to the sweep.
	ErrUnknownSubscription = errors.New("unknown provider subscription")

	// ErrPeriodNotFound is returned when no matching entitlement period exists.
	ErrPeriodNotFound = errors.New("entitlement period not found")

	// ErrUserNotFound is returned when a user record does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrActivePeriodExists is returned by Store.CreatePeriod when the user
	// already holds an active period. At most one active period per user is
	// the invariant the engine must never violate; callers extend instead.
	ErrActivePeriodExists = errors.New("user already has an active period")

	// ErrInvalidPeriod is returned for a period whose end does not lie after
	// its start.
	ErrInvalidPeriod = errors.New("invalid period bounds")

	// ErrInsufficientPrivileges marks a channel action the bot is not allowed
	// to perform (target is an admin or the bot lacks rights). Retrying is
	// pointless until the channel configuration changes.
	ErrInsufficientPrivileges = errors.New("insufficient channel privileges")
)
