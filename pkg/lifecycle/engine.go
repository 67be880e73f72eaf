// Package lifecycle implements the subscription lifecycle state machine that
// decides, for every user at every point in time, whether channel access
// should exist. It consumes normalized payment events plus periodic sweep
// ticks, owns every write to entitlement period status and end instants, and
// drives grant/revoke actions through an Access synchronizer.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultPlanDuration = 30 * 24 * time.Hour
	defaultWarnAfter    = 24 * time.Hour
	defaultRemoveAfter  = 48 * time.Hour
	defaultRemindBefore = 24 * time.Hour

	// casAttempts bounds the retry loop for conditional-update races.
	// Two writers per user is already rare; three lost races in a row
	// means something is wrong and the caller should redeliver.
	casAttempts = 3
)

// Config holds engine configuration.
type Config struct {
	// PlanDurations maps provider price IDs to entitlement durations.
	PlanDurations map[string]time.Duration

	// DefaultPlanDuration is used for price IDs not present in PlanDurations
	// (default: 30 days).
	DefaultPlanDuration time.Duration

	// WarnAfter is the silent-grace threshold after a period's end before the
	// renewal reminder is sent (default: 24h).
	WarnAfter time.Duration

	// RemoveAfter is the threshold after a period's end at which access is
	// revoked (default: 48h). Must be greater than WarnAfter.
	RemoveAfter time.Duration

	// RemindBefore is the look-ahead window for the expiring-soon reminder
	// (default: 24h).
	RemindBefore time.Duration

	// SweepConcurrency bounds how many users one sweep processes in parallel
	// (default: 4).
	SweepConcurrency int

	// Logger is used for structured logging (default: no-op).
	Logger *zerolog.Logger

	// Metrics is used for tracking engine operations (default: NoopMetrics).
	Metrics Metrics

	// Now is the time source, overridable in tests (default: time.Now UTC).
	Now func() time.Time
}

// Engine is the lifecycle state machine. It is the only writer of period
// status and end instants; the store never self-mutates and the access layer
// never decides.
type Engine struct {
	store    Store
	access   Access
	notifier Notifier

	plans        map[string]time.Duration
	defaultPlan  time.Duration
	warnAfter    time.Duration
	removeAfter  time.Duration
	remindBefore time.Duration
	concurrency  int

	log     zerolog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewEngine creates an Engine bound to the given capabilities.
func NewEngine(store Store, access Access, notifier Notifier, cfg Config) (*Engine, error) {
	if store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if access == nil {
		return nil, errors.New("lifecycle: access synchronizer is required")
	}
	if notifier == nil {
		return nil, errors.New("lifecycle: notifier is required")
	}

	e := &Engine{
		store:        store,
		access:       access,
		notifier:     notifier,
		plans:        cfg.PlanDurations,
		defaultPlan:  cfg.DefaultPlanDuration,
		warnAfter:    cfg.WarnAfter,
		removeAfter:  cfg.RemoveAfter,
		remindBefore: cfg.RemindBefore,
		concurrency:  cfg.SweepConcurrency,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}

	if e.defaultPlan <= 0 {
		e.defaultPlan = defaultPlanDuration
	}
	if e.warnAfter <= 0 {
		e.warnAfter = defaultWarnAfter
	}
	if e.removeAfter <= 0 {
		e.removeAfter = defaultRemoveAfter
	}
	if e.removeAfter <= e.warnAfter {
		return nil, fmt.Errorf("lifecycle: RemoveAfter (%s) must exceed WarnAfter (%s)", e.removeAfter, e.warnAfter)
	}
	if e.remindBefore <= 0 {
		e.remindBefore = defaultRemindBefore
	}
	if e.concurrency <= 0 {
		e.concurrency = 4
	}
	if e.metrics == nil {
		e.metrics = NoopMetrics{}
	}
	if cfg.Logger != nil {
		e.log = *cfg.Logger
	} else {
		e.log = zerolog.Nop()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}

	return e, nil
}

// planDuration resolves a provider price ID to an entitlement duration.
func (e *Engine) planDuration(priceID string) time.Duration {
	if d, ok := e.plans[priceID]; ok && d > 0 {
		return d
	}
	return e.defaultPlan
}

// OnPaymentCompleted handles a completed checkout. It creates the user's
// entitlement period, or extends the existing active one by the plan duration
// from max(current end, now) so early renewal is never penalised, then
// attempts exactly one grant. A failed grant is logged and does not roll back
// the entitlement write; the sweep path reconciles divergence.
//
// Duplicate deliveries are absorbed by the payment record's unique checkout
// session key: the second call is a no-op with the same stored end instant.
func (e *Engine) OnPaymentCompleted(ctx context.Context, ev PaymentCompleted) error {
	if ev.UserID == "" || ev.CheckoutSessionID == "" {
		return errors.New("lifecycle: payment completed event missing user or checkout session")
	}
	now := e.now()

	inserted, err := e.store.RecordPayment(ctx, &Payment{
		UserID:            ev.UserID,
		CheckoutSessionID: ev.CheckoutSessionID,
		ProviderPaymentID: ev.ProviderPaymentID,
		Amount:            ev.Amount,
		Currency:          ev.Currency,
		Status:            "succeeded",
	})
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if !inserted {
		e.log.Info().
			Str("user_id", ev.UserID).
			Str("checkout_session_id", ev.CheckoutSessionID).
			Msg("duplicate payment event, skipping")
		e.metrics.RecordEvent("payment_completed", "duplicate")
		return nil
	}

	duration := e.planDuration(ev.PriceID)
	if err := e.applyPayment(ctx, ev, duration, now); err != nil {
		// The payment record is the duplicate-delivery claim. A failed period
		// write must release it, or every redelivery of this event would be
		// absorbed as a duplicate and the paid user never gets entitled.
		if delErr := e.store.DeletePayment(ctx, ev.CheckoutSessionID); delErr != nil {
			e.log.Error().Err(delErr).
				Str("checkout_session_id", ev.CheckoutSessionID).
				Msg("payment claim not released, redelivery may be absorbed")
		}
		e.metrics.RecordEvent("payment_completed", "error")
		return err
	}
	e.metrics.RecordEvent("payment_completed", "applied")

	if err := e.access.Grant(ctx, ev.UserID); err != nil {
		// Access state and entitlement state may transiently diverge.
		e.log.Error().Err(err).Str("user_id", ev.UserID).Msg("invite grant failed after payment")
		e.metrics.RecordGrant("error")
	} else {
		e.metrics.RecordGrant("success")
	}
	return nil
}

// applyPayment creates or extends the entitlement period, retrying lost
// conditional-update races against a concurrent writer.
func (e *Engine) applyPayment(ctx context.Context, ev PaymentCompleted, duration time.Duration, now time.Time) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		// End-agnostic lookup: a lapsed period still in status active (sweep
		// has not caught up yet) is extended, not duplicated.
		current, err := e.store.GetOpenPeriod(ctx, ev.UserID)
		switch {
		case errors.Is(err, ErrPeriodNotFound):
			// No active period: a fresh purchase, or a renewal arriving after
			// the old period reached terminal status. Either way a new period
			// starts now; terminal periods are never mutated.
			p := &Period{
				UserID:                 ev.UserID,
				ProviderSubscriptionID: ev.ProviderSubscriptionID,
				PriceID:                ev.PriceID,
				Status:                 StatusActive,
				Start:                  now,
				End:                    now.Add(duration),
			}
			err = e.store.CreatePeriod(ctx, p)
			if errors.Is(err, ErrActivePeriodExists) {
				continue // raced a concurrent create; re-read and extend
			}
			if err != nil {
				return fmt.Errorf("create period: %w", err)
			}
			e.log.Info().
				Str("user_id", ev.UserID).
				Int64("period_id", p.ID).
				Time("end", p.End).
				Msg("entitlement period created")
			return nil

		case err != nil:
			return fmt.Errorf("get active period: %w", err)
		}

		base := current.End
		if now.After(base) {
			base = now
		}
		newEnd := base.Add(duration)

		ok, err := e.store.ExtendPeriod(ctx, current.ID, current.End, newEnd, ev.ProviderSubscriptionID, ev.PriceID, now)
		if err != nil {
			return fmt.Errorf("extend period: %w", err)
		}
		if ok {
			e.log.Info().
				Str("user_id", ev.UserID).
				Int64("period_id", current.ID).
				Time("old_end", current.End).
				Time("new_end", newEnd).
				Msg("entitlement period extended")
			return nil
		}
		// Lost the race: re-read current state and try again.
	}
	return fmt.Errorf("apply payment for user %s: too many conditional-update conflicts", ev.UserID)
}

// OnRenewalSucceeded handles a paid renewal invoice. It marks the period
// active and leaves dates untouched; date extension only happens on the
// payment-completed path. Opportunistically re-grants membership when the
// user is no longer in the channel.
func (e *Engine) OnRenewalSucceeded(ctx context.Context, ev RenewalSucceeded) error {
	p, err := e.lookupSubscription(ctx, "renewal_succeeded", ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		// A very late renewal belongs to a fresh period created by the next
		// payment-completed event, never to a terminal record.
		e.log.Warn().
			Str("provider_subscription_id", ev.ProviderSubscriptionID).
			Str("status", string(p.Status)).
			Msg("renewal event for terminal period ignored")
		e.metrics.RecordEvent("renewal_succeeded", "skipped")
		return nil
	}

	if p.Status != StatusActive {
		// Re-activating must not break the one-active invariant: the user may
		// have bought a different subscription while this one's charge was
		// retried. The newer period wins; this one stays closed for the sweep.
		other, err := e.store.GetActivePeriod(ctx, p.UserID, e.now())
		if err != nil && !errors.Is(err, ErrPeriodNotFound) {
			e.metrics.RecordEvent("renewal_succeeded", "error")
			return fmt.Errorf("check other active period: %w", err)
		}
		if other != nil && other.ID != p.ID {
			e.log.Info().
				Str("user_id", p.UserID).
				Int64("period_id", p.ID).
				Int64("active_period_id", other.ID).
				Msg("renewal for superseded period ignored")
			e.metrics.RecordEvent("renewal_succeeded", "skipped")
			return nil
		}
	}

	if _, err := e.store.TransitionStatus(ctx, p.ID, p.Status, StatusActive, e.now()); err != nil {
		e.metrics.RecordEvent("renewal_succeeded", "error")
		return fmt.Errorf("mark period active: %w", err)
	}
	e.metrics.RecordEvent("renewal_succeeded", "applied")

	// Re-invite users who left or were kicked while their payment recovered.
	member, err := e.access.IsMember(ctx, p.UserID)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", p.UserID).Msg("membership check failed on renewal")
		return nil
	}
	if !member {
		if err := e.access.Grant(ctx, p.UserID); err != nil {
			e.log.Error().Err(err).Str("user_id", p.UserID).Msg("re-grant failed on renewal")
			e.metrics.RecordGrant("error")
		} else {
			e.metrics.RecordGrant("success")
		}
		return nil
	}
	if err := e.notifier.Renewed(ctx, p.UserID); err != nil {
		e.log.Warn().Err(err).Str("user_id", p.UserID).Msg("renewal notice failed")
	}
	return nil
}

// OnRenewalFailed marks the period payment_failed. Access is not touched:
// revocation is sweep-driven so the grace window applies uniformly.
func (e *Engine) OnRenewalFailed(ctx context.Context, ev RenewalFailed) error {
	p, err := e.lookupSubscription(ctx, "renewal_failed", ev.ProviderSubscriptionID)
	if err != nil {
		return err
	}
	if p.Status.Terminal() {
		e.metrics.RecordEvent("renewal_failed", "skipped")
		return nil
	}

	if _, err := e.store.TransitionStatus(ctx, p.ID, p.Status, StatusPaymentFailed, e.now()); err != nil {
		e.metrics.RecordEvent("renewal_failed", "error")
		return fmt.Errorf("mark period payment_failed: %w", err)
	}
	e.log.Info().
		Str("user_id", p.UserID).
		Int64("period_id", p.ID).
		Msg("renewal payment failed, grace window applies")
	e.metrics.RecordEvent("renewal_failed", "applied")
	return nil
}

// OnCancellationRequested closes the period as cancelled and revokes access
// immediately, unless the user holds a different still-active period, in
// which case only the record is closed.
func (e *Engine) OnCancellationRequested(ctx context.Context, ev CancellationRequested) error {
	return e.cancel(ctx, "cancellation_requested", ev.ProviderSubscriptionID)
}

// OnStatusChanged handles provider-side status transitions that arrive
// without a more specific event. Terminal provider statuses are treated as
// cancellation; "active" re-marks the period; everything else is ignored.
func (e *Engine) OnStatusChanged(ctx context.Context, ev StatusChanged) error {
	switch ev.NewStatus {
	case "canceled", "cancelled", "unpaid", "past_due":
		return e.cancel(ctx, "status_changed", ev.ProviderSubscriptionID)
	case "active":
		return e.OnRenewalSucceeded(ctx, RenewalSucceeded{
			ProviderSubscriptionID: ev.ProviderSubscriptionID,
			OccurredAt:             ev.OccurredAt,
		})
	default:
		e.log.Debug().
			Str("provider_subscription_id", ev.ProviderSubscriptionID).
			Str("new_status", ev.NewStatus).
			Msg("provider status change ignored")
		e.metrics.RecordEvent("status_changed", "skipped")
		return nil
	}
}

func (e *Engine) cancel(ctx context.Context, eventType, providerSubscriptionID string) error {
	p, err := e.lookupSubscription(ctx, eventType, providerSubscriptionID)
	if err != nil {
		return err
	}
	now := e.now()

	if p.Status != StatusCancelled {
		if p.Status.Terminal() {
			// Already expired: keep the terminal status it reached.
			e.metrics.RecordEvent(eventType, "skipped")
			return nil
		}
		if _, err := e.store.TransitionStatus(ctx, p.ID, p.Status, StatusCancelled, now); err != nil {
			e.metrics.RecordEvent(eventType, "error")
			return fmt.Errorf("mark period cancelled: %w", err)
		}
	}
	e.metrics.RecordEvent(eventType, "applied")

	// Multi-source entitlement: a different active period keeps access alive.
	other, err := e.store.GetActivePeriod(ctx, p.UserID, now)
	if err != nil && !errors.Is(err, ErrPeriodNotFound) {
		return fmt.Errorf("check other active period: %w", err)
	}
	if other != nil && other.ID != p.ID {
		e.log.Info().
			Str("user_id", p.UserID).
			Int64("cancelled_period_id", p.ID).
			Int64("active_period_id", other.ID).
			Msg("subscription cancelled, access kept via other active period")
		return nil
	}

	// Claim the single revoke attempt before acting, so a racing sweep or a
	// redelivered cancellation cannot double-revoke.
	claimed, err := e.store.MarkRevokeAttempted(ctx, p.ID, now)
	if err != nil {
		return fmt.Errorf("claim revoke: %w", err)
	}
	if !claimed {
		return nil
	}
	e.revoke(ctx, p, "subscription cancelled")
	return nil
}

// revoke performs the channel removal for a period whose revoke attempt has
// already been claimed. Failures are logged and escalated, never retried
// here: the record already reflects the decided state.
func (e *Engine) revoke(ctx context.Context, p *Period, reason string) {
	if err := e.access.Revoke(ctx, p.UserID); err != nil {
		if errors.Is(err, ErrInsufficientPrivileges) {
			// A privilege failure is a channel configuration problem, not a
			// transient outage; the operator has to fix the bot's rights.
			e.log.Error().Err(err).Str("user_id", p.UserID).Msg("channel revoke blocked by privileges")
			e.metrics.RecordRevoke("privilege")
			e.escalate(ctx, "privilege_error", fmt.Sprintf(
				"Cannot remove %s from the channel (%s): %v. Check the bot's admin rights in the channel.",
				e.describeUser(ctx, p.UserID), reason, err))
			return
		}
		e.log.Error().Err(err).Str("user_id", p.UserID).Msg("channel revoke failed")
		e.metrics.RecordRevoke("error")
		e.escalate(ctx, "revoke_failed", fmt.Sprintf(
			"Failed to remove %s from the channel (%s): %v. Manual follow-up required.",
			e.describeUser(ctx, p.UserID), reason, err))
		return
	}
	e.metrics.RecordRevoke("success")
	e.escalate(ctx, "member_removed", fmt.Sprintf(
		"%s removed from the channel (%s).", e.describeUser(ctx, p.UserID), reason))
}

func (e *Engine) escalate(ctx context.Context, reason, message string) {
	e.metrics.RecordEscalation(reason)
	if err := e.notifier.Escalate(ctx, message); err != nil {
		e.log.Warn().Err(err).Str("reason", reason).Msg("operator escalation failed")
	}
}

// describeUser decorates operator messages with display metadata when the
// user record exists; decisions never depend on it.
func (e *Engine) describeUser(ctx context.Context, userID string) string {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil || u == nil {
		return fmt.Sprintf("user %s", userID)
	}
	name := u.FirstName
	if name == "" {
		name = "user"
	}
	if u.Username != "" {
		return fmt.Sprintf("%s (@%s, id %s)", name, u.Username, userID)
	}
	return fmt.Sprintf("%s (id %s)", name, userID)
}

func (e *Engine) lookupSubscription(ctx context.Context, eventType, providerSubscriptionID string) (*Period, error) {
	if providerSubscriptionID == "" {
		e.metrics.RecordEvent(eventType, "skipped")
		return nil, fmt.Errorf("%s: empty provider subscription id: %w", eventType, ErrUnknownSubscription)
	}
	p, err := e.store.GetPeriodByProviderSubscriptionID(ctx, providerSubscriptionID)
	if errors.Is(err, ErrPeriodNotFound) {
		e.log.Warn().
			Str("provider_subscription_id", providerSubscriptionID).
			Str("event_type", eventType).
			Msg("event for subscription not in store yet")
		e.metrics.RecordEvent(eventType, "unknown_subscription")
		return nil, fmt.Errorf("%s %s: %w", eventType, providerSubscriptionID, ErrUnknownSubscription)
	}
	if err != nil {
		e.metrics.RecordEvent(eventType, "error")
		return nil, fmt.Errorf("lookup subscription %s: %w", providerSubscriptionID, err)
	}
	return p, nil
}

// Status returns the user's current active period, for thin consumers such
// as the bot menu. Returns ErrPeriodNotFound when the user has no access.
func (e *Engine) Status(ctx context.Context, userID string) (*Period, error) {
	return e.store.GetActivePeriod(ctx, userID, e.now())
}

// ResendInvite re-issues an invite for a user with a currently active
// period. Returns ErrPeriodNotFound otherwise.
func (e *Engine) ResendInvite(ctx context.Context, userID string) error {
	if _, err := e.store.GetActivePeriod(ctx, userID, e.now()); err != nil {
		return err
	}
	if err := e.access.Grant(ctx, userID); err != nil {
		e.metrics.RecordGrant("error")
		return err
	}
	e.metrics.RecordGrant("success")
	return nil
}
