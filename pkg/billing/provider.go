// Package billing defines the provider-agnostic billing surface: the
// interface payment backends implement and the event sink they feed.
// Providers normalize raw webhook payloads into lifecycle events; they never
// touch entitlement state themselves.
package billing

import (
	"context"
	"net/http"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// Provider is the interface a payment backend must implement.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that verifies, deduplicates and
	// normalizes incoming provider events.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for the given price and
	// returns its URL. The user ID travels in session metadata so the
	// completion webhook can attribute the payment.
	CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error)

	// CancelSubscription cancels the provider-side subscription. The
	// entitlement consequences arrive through the resulting webhook.
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

// EventSink consumes normalized lifecycle events. The lifecycle engine is the
// production implementation; tests substitute recorders.
type EventSink interface {
	OnPaymentCompleted(ctx context.Context, ev lifecycle.PaymentCompleted) error
	OnRenewalSucceeded(ctx context.Context, ev lifecycle.RenewalSucceeded) error
	OnRenewalFailed(ctx context.Context, ev lifecycle.RenewalFailed) error
	OnCancellationRequested(ctx context.Context, ev lifecycle.CancellationRequested) error
	OnStatusChanged(ctx context.Context, ev lifecycle.StatusChanged) error
}

// UserRecorder captures buyer display metadata alongside events. Optional;
// failures never block event processing.
type UserRecorder interface {
	UpsertUser(ctx context.Context, u *lifecycle.User) error
}

// Dedup claims provider event IDs so redelivered webhooks are acknowledged
// without reprocessing. Claim reports whether this delivery is the first;
// Release undoes a claim after a processing failure so the provider's retry
// is not swallowed.
type Dedup interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}
