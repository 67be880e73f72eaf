package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/membergate/membergate/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session in subscription mode and
// returns its URL. The user ID is injected into both the session and the
// subscription metadata so every later webhook can attribute the payment.
func (p *Provider) CheckoutURL(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_configured")
		return "", billing.ErrPlanNotConfigured
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.Metadata = map[string]string{"user_id": userID}
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata("user_id", userID)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.URL, nil
}

// GetSubscription fetches a subscription from Stripe, used to resolve the
// price and metadata behind a webhook event.
func (p *Provider) GetSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error) {
	startTime := time.Now()

	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, providerSubscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/get", "error")
		p.metrics.RecordAPICallDuration(providerName, "/subscriptions/get", time.Since(startTime))
		return nil, fmt.Errorf("failed to fetch subscription %s: %w", providerSubscriptionID, err)
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/get", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/get", time.Since(startTime))
	return sub, nil
}

// GetCheckoutSession fetches a checkout session from Stripe.
func (p *Provider) GetCheckoutSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	startTime := time.Now()

	session, err := p.stripeClient.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions/get", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions/get", time.Since(startTime))
		return nil, fmt.Errorf("failed to fetch checkout session %s: %w", sessionID, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions/get", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions/get", time.Since(startTime))
	return session, nil
}

// CancelSubscription cancels the Stripe subscription immediately. The
// entitlement consequences arrive through the customer.subscription.deleted
// webhook, keeping the webhook path the single source of lifecycle truth.
func (p *Provider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	startTime := time.Now()

	_, err := p.stripeClient.V1Subscriptions.Cancel(ctx, providerSubscriptionID, nil)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "error")
		p.metrics.RecordAPICallDuration(providerName, "/subscriptions/cancel", time.Since(startTime))
		return fmt.Errorf("failed to cancel subscription %s: %w", providerSubscriptionID, err)
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/cancel", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/cancel", time.Since(startTime))
	return nil
}
