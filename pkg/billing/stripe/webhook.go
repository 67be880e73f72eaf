package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/membergate/membergate/pkg/billing/internal"
	"github.com/membergate/membergate/pkg/lifecycle"
)

// handleWebhook processes incoming Stripe webhook events.
//
// Response codes drive Stripe's redelivery: 401 rejects a bad signature
// permanently, 200 acknowledges (including duplicates and event types we
// ignore), and 500 asks Stripe to redeliver with backoff. An event naming a
// subscription the store has not seen yet gets a 500 on purpose: the
// checkout-completed event that creates the period may still be in flight.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, 256*1024)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	if p.dedup != nil && event.ID != "" {
		first, err := p.dedup.Claim(r.Context(), event.ID)
		if err != nil {
			// Dedup is best-effort; the store-level idempotence guards still
			// hold when Redis is down.
			p.log.Warn().Err(err).Str("event_id", event.ID).Msg("event dedup unavailable")
		} else if !first {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
			return
		}
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		if p.dedup != nil && event.ID != "" {
			// Give the redelivery a fresh claim.
			if relErr := p.dedup.Release(r.Context(), event.ID); relErr != nil {
				p.log.Warn().Err(relErr).Str("event_id", event.ID).Msg("dedup release failed")
			}
		}
		p.log.Error().Err(err).Str("event_type", eventType).Str("event_id", event.ID).Msg("webhook processing failed")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

// processWebhookEvent normalizes one verified event and hands it to the sink.
// Unknown event types are acknowledged without action.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	occurredAt := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event, occurredAt)
	case "invoice.paid", "invoice.payment_succeeded":
		return p.handleInvoicePaid(ctx, event, occurredAt)
	case "invoice.payment_failed":
		return p.handleInvoicePaymentFailed(ctx, event, occurredAt)
	case "customer.subscription.deleted":
		return p.handleSubscriptionDeleted(ctx, event, occurredAt)
	case "customer.subscription.updated":
		return p.handleSubscriptionUpdated(ctx, event, occurredAt)
	default:
		return nil
	}
}

// handleCheckoutSessionCompleted processes the first successful charge of a
// subscription. The session's user_id metadata attributes the payment; the
// subscription is fetched for the price ID and patched with the same metadata
// so later subscription events stay attributable.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event, occurredAt time.Time) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		// Not one of our sessions. Acknowledge so Stripe stops redelivering.
		p.log.Warn().Str("session_id", session.ID).Msg("checkout session without user_id metadata, skipping")
		return nil
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		p.log.Warn().Str("session_id", session.ID).Msg("checkout session without subscription, skipping")
		return nil
	}

	p.recordBuyer(ctx, userID, session.Metadata)

	sub, err := p.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	if sub.Metadata == nil || sub.Metadata["user_id"] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata("user_id", userID)
		if sub, err = p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
			return fmt.Errorf("failed to patch subscription metadata: %w", err)
		}
	}

	priceID := ""
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		priceID = sub.Items.Data[0].Price.ID
	}

	providerPaymentID := ""
	if session.PaymentIntent != nil {
		providerPaymentID = session.PaymentIntent.ID
	} else if session.Invoice != nil {
		providerPaymentID = session.Invoice.ID
	}

	return p.sink.OnPaymentCompleted(ctx, lifecycle.PaymentCompleted{
		UserID:                 userID,
		ProviderSubscriptionID: subscriptionID,
		PriceID:                priceID,
		CheckoutSessionID:      session.ID,
		ProviderPaymentID:      providerPaymentID,
		Amount:                 session.AmountTotal,
		Currency:               string(session.Currency),
		OccurredAt:             occurredAt,
	})
}

// handleInvoicePaid processes a recurring charge. Invoices without a
// subscription (one-off charges) are ignored.
func (p *Provider) handleInvoicePaid(ctx context.Context, event *stripe.Event, occurredAt time.Time) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}
	return p.sink.OnRenewalSucceeded(ctx, lifecycle.RenewalSucceeded{
		ProviderSubscriptionID: subscriptionID,
		OccurredAt:             occurredAt,
	})
}

func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event, occurredAt time.Time) error {
	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		return nil
	}
	return p.sink.OnRenewalFailed(ctx, lifecycle.RenewalFailed{
		ProviderSubscriptionID: subscriptionID,
		OccurredAt:             occurredAt,
	})
}

func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, occurredAt time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if subscription.ID == "" {
		p.log.Warn().Msg("subscription deleted event without id, skipping")
		return nil
	}
	return p.sink.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: subscription.ID,
		OccurredAt:             occurredAt,
	})
}

func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event, occurredAt time.Time) error {
	var subscription stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	if subscription.ID == "" {
		p.log.Warn().Msg("subscription updated event without id, skipping")
		return nil
	}
	return p.sink.OnStatusChanged(ctx, lifecycle.StatusChanged{
		ProviderSubscriptionID: subscription.ID,
		NewStatus:              string(subscription.Status),
		OccurredAt:             occurredAt,
	})
}

// recordBuyer captures display metadata the checkout link generator placed in
// session metadata. Best-effort: a failed upsert never blocks the payment.
func (p *Provider) recordBuyer(ctx context.Context, userID string, metadata map[string]string) {
	if p.users == nil {
		return
	}
	u := &lifecycle.User{
		ID:        userID,
		Username:  metadata["username"],
		FirstName: metadata["first_name"],
		LastName:  metadata["last_name"],
	}
	if err := p.users.UpsertUser(ctx, u); err != nil {
		p.log.Warn().Err(err).Str("user_id", userID).Msg("buyer metadata upsert failed")
	}
}

// subscriptionIDFromInvoice digs the subscription reference out of the raw
// invoice JSON. The field arrives either as an expanded object or as a bare
// ID string depending on API version.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var rawData map[string]interface{}
	if err := json.Unmarshal(raw, &rawData); err != nil {
		return ""
	}
	switch v := rawData["subscription"].(type) {
	case map[string]interface{}:
		if id, ok := v["id"].(string); ok {
			return id
		}
	case string:
		return v
	}
	return ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
