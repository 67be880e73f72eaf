package lifecycle

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// Every call is atomic with respect to concurrent callers; the conditional
// (compare-and-set) methods return false instead of overwriting state that
// changed underneath them. That is what closes the race between a
// sweep-triggered revoke and a concurrently arriving renewal.
type Store interface {
	// UpsertUser inserts or refreshes a user's display metadata.
	UpsertUser(ctx context.Context, u *User) error

	// GetUser retrieves a user by ID. Returns ErrUserNotFound if absent.
	GetUser(ctx context.Context, userID string) (*User, error)

	// CreatePeriod inserts a new period and fills in its ID.
	// Returns ErrActivePeriodExists if the user already has an active period,
	// and ErrInvalidPeriod if End is not after Start.
	CreatePeriod(ctx context.Context, p *Period) error

	// GetActivePeriod returns the user's period with status active and
	// End > now, or ErrPeriodNotFound.
	GetActivePeriod(ctx context.Context, userID string, now time.Time) (*Period, error)

	// GetOpenPeriod returns the user's period with status active regardless
	// of its end instant, or ErrPeriodNotFound. A lapsed period the sweep has
	// not yet marked is still the one a renewal must extend.
	GetOpenPeriod(ctx context.Context, userID string) (*Period, error)

	// GetPeriodByProviderSubscriptionID returns the most recent period bound
	// to the given provider subscription, or ErrPeriodNotFound.
	GetPeriodByProviderSubscriptionID(ctx context.Context, id string) (*Period, error)

	// TransitionStatus moves a period from one status to another only if it
	// still holds the expected current status. Returns false when the
	// precondition no longer holds (another writer got there first).
	TransitionStatus(ctx context.Context, periodID int64, from, to Status, now time.Time) (bool, error)

	// ExtendPeriod sets a new end instant only if the stored end still equals
	// prevEnd, rebinding the period to the given provider subscription and
	// price. Returns false on a lost race.
	ExtendPeriod(ctx context.Context, periodID int64, prevEnd, newEnd time.Time, providerSubscriptionID, priceID string, now time.Time) (bool, error)

	// ListLapsed returns periods whose end instant is at or before asOf, in
	// status active, payment_failed or expired, whose revoke has not yet been
	// attempted. These are the periods the sweep still owes a decision.
	// Cancelled periods are excluded: cancellation settles access at event
	// time (or leaves it to another active period).
	ListLapsed(ctx context.Context, asOf time.Time) ([]*Period, error)

	// ListEndingBetween returns active periods with from < End <= to,
	// for the expiring-soon reminder.
	ListEndingBetween(ctx context.Context, from, to time.Time) ([]*Period, error)

	// MarkWarned records the renewal-reminder send, once per period.
	// Returns false if the period was already warned.
	MarkWarned(ctx context.Context, periodID int64, at time.Time) (bool, error)

	// MarkReminded records the expiring-soon reminder send, once per period.
	MarkReminded(ctx context.Context, periodID int64, at time.Time) (bool, error)

	// MarkRevokeAttempted claims the one revoke attempt for a period.
	// Returns false if some other sweep or event handler already claimed it.
	MarkRevokeAttempted(ctx context.Context, periodID int64, at time.Time) (bool, error)

	// RecordPayment inserts a payment audit record. Returns false without
	// error when a payment with the same checkout session or provider payment
	// ID already exists (duplicate event delivery).
	RecordPayment(ctx context.Context, p *Payment) (bool, error)

	// DeletePayment removes the payment record for a checkout session.
	// The record doubles as the duplicate-delivery claim, so a failed
	// entitlement write must release it or the redelivery is lost.
	// Deleting an absent record is not an error.
	DeletePayment(ctx context.Context, checkoutSessionID string) error
}

// Access executes grant and revoke decisions against the channel.
// Implementations must not require any store lock; failures are reported
// back so the engine can log and escalate, never rolled into store state.
type Access interface {
	// Grant produces a single-use, time-boxed invite and delivers it.
	Grant(ctx context.Context, userID string) error

	// Revoke removes the user's channel membership (kick, not a ban) and
	// notifies the user best-effort.
	Revoke(ctx context.Context, userID string) error

	// IsMember reports whether the user currently holds channel membership.
	IsMember(ctx context.Context, userID string) (bool, error)
}

// Notifier delivers lifecycle notifications outside grant/revoke actions.
// All sends are best-effort: a failed notification never blocks a decision.
type Notifier interface {
	// RenewalReminder tells a user their lapsed period needs renewing
	// (warn tier of the grace window).
	RenewalReminder(ctx context.Context, userID string, endedAt time.Time) error

	// ExpiringSoon tells a user their period ends within the reminder window.
	ExpiringSoon(ctx context.Context, userID string, endsAt time.Time) error

	// Renewed confirms a successful renewal to a user who kept membership.
	Renewed(ctx context.Context, userID string) error

	// Escalate surfaces a condition that needs manual follow-up to the
	// operator channel.
	Escalate(ctx context.Context, message string) error
}
