package lifecycle

import (
	"time"
)

// Status is the lifecycle state of an entitlement period.
type Status string

const (
	// StatusActive means the period currently grants access (until End).
	StatusActive Status = "active"
	// StatusExpired means the period lapsed by time.
	StatusExpired Status = "expired"
	// StatusCancelled means the provider subscription was cancelled.
	StatusCancelled Status = "cancelled"
	// StatusPaymentFailed means the last renewal charge did not go through.
	// Access is not removed here; the sweep applies the grace window uniformly.
	StatusPaymentFailed Status = "payment_failed"
)

// Terminal reports whether the status is an end state. Terminal periods are
// never mutated again; a later renewal creates a fresh period instead.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Period is a time-bounded grant of channel access tied to one paid cycle.
// End is the exclusive upper bound of access. Periods are append-only audit
// records: they transition to a terminal status but are never deleted.
type Period struct {
	ID     int64
	UserID string

	// ProviderSubscriptionID is empty for manually granted periods.
	ProviderSubscriptionID string
	PriceID                string

	Status Status
	Start  time.Time
	End    time.Time

	// Sweep bookkeeping. Each is set at most once per period, via
	// compare-and-set, so notifications and channel actions happen
	// exactly once per band transition.
	WarnedAt          *time.Time
	RemindedAt        *time.Time
	RevokeAttemptedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActiveAt reports whether the period grants access at the given instant.
func (p *Period) ActiveAt(now time.Time) bool {
	return p.Status == StatusActive && p.End.After(now)
}

// User carries display metadata only. Nothing here ever influences a
// lifecycle decision; it exists to decorate operator notifications.
type User struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Payment is an audit record for a completed or attempted checkout.
// CheckoutSessionID and ProviderPaymentID are unique; the uniqueness doubles
// as the idempotence guard for redelivered payment-completed events.
type Payment struct {
	ID                int64
	UserID            string
	CheckoutSessionID string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Status            string
	CreatedAt         time.Time
}

// PaymentCompleted is a normalized "first charge succeeded" event
// (provider checkout completion).
type PaymentCompleted struct {
	UserID                 string
	ProviderSubscriptionID string
	PriceID                string
	CheckoutSessionID      string
	ProviderPaymentID      string
	Amount                 int64
	Currency               string
	OccurredAt             time.Time
}

// RenewalSucceeded is a normalized "recurring charge succeeded" event
// (provider invoice paid).
type RenewalSucceeded struct {
	ProviderSubscriptionID string
	OccurredAt             time.Time
}

// RenewalFailed is a normalized "recurring charge failed" event.
type RenewalFailed struct {
	ProviderSubscriptionID string
	OccurredAt             time.Time
}

// CancellationRequested is a normalized "subscription ended at the provider"
// event.
type CancellationRequested struct {
	ProviderSubscriptionID string
	OccurredAt             time.Time
}

// StatusChanged is a normalized provider-side status transition that is not
// one of the more specific events above.
type StatusChanged struct {
	ProviderSubscriptionID string
	NewStatus              string
	OccurredAt             time.Time
}

// MemberState describes a user's current relationship to the channel.
type MemberState string

const (
	MemberStateIn      MemberState = "member"
	MemberStateLeft    MemberState = "left"
	MemberStateKicked  MemberState = "kicked"
	MemberStateUnknown MemberState = "unknown"
)
