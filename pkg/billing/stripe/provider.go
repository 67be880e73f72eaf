// Package stripe implements the billing.Provider interface for Stripe.
// Raw Stripe webhook events are verified, deduplicated and normalized into
// lifecycle events; all entitlement decisions stay in the event sink.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/membergate/membergate/pkg/billing"
	"github.com/membergate/membergate/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Config holds Stripe provider configuration.
type Config struct {
	// APIKey is the Stripe secret key for outbound API calls.
	APIKey string

	// WebhookSecret is the signing secret for webhook verification.
	WebhookSecret string

	// Sink consumes the normalized events.
	Sink billing.EventSink

	// Users optionally captures buyer display metadata carried in checkout
	// session metadata.
	Users billing.UserRecorder

	// Dedup optionally short-circuits redelivered events by event ID.
	Dedup billing.Dedup

	// Metrics is an optional metrics collector (default: no-op).
	Metrics billing.Metrics

	// Logger is used for structured logging (default: no-op).
	Logger *zerolog.Logger
}

// Provider implements the billing.Provider interface for Stripe.
type Provider struct {
	stripeClient  *stripe.Client
	webhookSecret []byte
	sink          billing.EventSink
	users         billing.UserRecorder
	dedup         billing.Dedup
	rateLimiter   *internal.RateLimiter
	metrics       billing.Metrics
	log           zerolog.Logger
}

// NewProvider creates a new Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Sink == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	stripeClient := stripe.NewClient(apiKey)

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	log := zerolog.Nop()
	if config.Logger != nil {
		log = *config.Logger
	}

	return &Provider{
		stripeClient:  stripeClient,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		sink:          config.Sink,
		users:         config.Users,
		dedup:         config.Dedup,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		metrics:       metrics,
		log:           log,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}
