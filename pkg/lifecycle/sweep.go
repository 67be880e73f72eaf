package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweep is the periodic reconciliation pass over lapsed entitlements,
// independent of event arrival. It partitions expired-by-time periods into
// the silent grace window, the warn tier and the remove tier, re-checking
// "does this user have another active period" at the moment of every
// transition rather than at query time. Per-user failures are isolated and
// never abort the batch.
func (e *Engine) Sweep(ctx context.Context, now time.Time) error {
	start := e.now()

	lapsed, err := e.store.ListLapsed(ctx, now)
	if err != nil {
		return fmt.Errorf("list lapsed periods: %w", err)
	}

	var expired, revoked int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	results := make([]sweepResult, len(lapsed))
	for i, p := range lapsed {
		g.Go(func() error {
			results[i] = e.sweepOne(gctx, p, now)
			return nil // failures are logged per user, never propagated
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.expired {
			expired++
		}
		if r.revoked {
			revoked++
		}
	}

	e.log.Info().
		Time("as_of", now).
		Int("examined", len(lapsed)).
		Int("expired", expired).
		Int("revoked", revoked).
		Dur("took", e.now().Sub(start)).
		Msg("sweep complete")
	e.metrics.RecordSweep(e.now().Sub(start), len(lapsed), expired, revoked)
	return nil
}

type sweepResult struct {
	expired bool
	revoked bool
}

func (e *Engine) sweepOne(ctx context.Context, p *Period, now time.Time) (res sweepResult) {
	elapsed := now.Sub(p.End)

	switch {
	case elapsed < e.warnAfter:
		// Silent grace window: provider-side event jitter gets time to
		// resolve before anyone is bothered.
		return res

	case elapsed < e.removeAfter:
		res.expired = e.sweepWarn(ctx, p, now)
		return res

	default:
		return e.sweepRemove(ctx, p, now)
	}
}

// sweepWarn marks the period expired (status only, access untouched) and
// sends the renewal reminder once, provided no other period keeps the user
// entitled.
func (e *Engine) sweepWarn(ctx context.Context, p *Period, now time.Time) bool {
	if !e.hasOtherActivePeriod(ctx, p, now) {
		warned, err := e.store.MarkWarned(ctx, p.ID, now)
		if err != nil {
			e.log.Error().Err(err).Int64("period_id", p.ID).Msg("sweep: mark warned failed")
			return false
		}
		if warned {
			if err := e.notifier.RenewalReminder(ctx, p.UserID, p.End); err != nil {
				e.log.Warn().Err(err).Str("user_id", p.UserID).Msg("sweep: renewal reminder failed")
			}
		}
	}

	if p.Status.Terminal() {
		return false
	}
	expired, err := e.store.TransitionStatus(ctx, p.ID, p.Status, StatusExpired, now)
	if err != nil {
		e.log.Error().Err(err).Int64("period_id", p.ID).Msg("sweep: expire transition failed")
		return false
	}
	if expired {
		e.log.Info().
			Str("user_id", p.UserID).
			Int64("period_id", p.ID).
			Time("end", p.End).
			Msg("sweep: period expired, grace window running")
	}
	return expired
}

// sweepRemove finalises a period past the remove threshold: it claims the
// single revoke attempt, marks the period expired, and kicks the user unless
// another active period still entitles them. The claim happens before the
// channel call so a redelivered event or concurrent sweep cannot act twice;
// a failed kick is escalated for manual follow-up, not retried forever.
func (e *Engine) sweepRemove(ctx context.Context, p *Period, now time.Time) (res sweepResult) {
	claimed, err := e.store.MarkRevokeAttempted(ctx, p.ID, now)
	if err != nil {
		e.log.Error().Err(err).Int64("period_id", p.ID).Msg("sweep: claim revoke failed")
		return res
	}
	if !claimed {
		return res
	}

	if !p.Status.Terminal() {
		if expired, err := e.store.TransitionStatus(ctx, p.ID, p.Status, StatusExpired, now); err != nil {
			e.log.Error().Err(err).Int64("period_id", p.ID).Msg("sweep: expire transition failed")
		} else if expired {
			res.expired = true
		}
	}

	// The linchpin re-check: a renewal that landed between the query and
	// this transition must win, and the user must not be kicked.
	if e.hasOtherActivePeriod(ctx, p, now) {
		e.log.Info().
			Str("user_id", p.UserID).
			Int64("period_id", p.ID).
			Msg("sweep: period closed, access kept via other active period")
		return res
	}

	e.revoke(ctx, p, "subscription expired")
	res.revoked = true
	return res
}

// hasOtherActivePeriod reports whether the user holds an active period other
// than p at the given instant. Storage errors err on the side of keeping
// access: a wrongly kept member is recoverable, a wrongly kicked one is not.
func (e *Engine) hasOtherActivePeriod(ctx context.Context, p *Period, now time.Time) bool {
	other, err := e.store.GetActivePeriod(ctx, p.UserID, now)
	if errors.Is(err, ErrPeriodNotFound) {
		return false
	}
	if err != nil {
		e.log.Error().Err(err).Str("user_id", p.UserID).Msg("sweep: active period re-check failed")
		return true
	}
	return other.ID != p.ID
}

// RemindExpiring notifies users whose active period ends within the reminder
// window, once per period, and sends the operator an aggregate digest.
// Invoked daily by the scheduler.
func (e *Engine) RemindExpiring(ctx context.Context, now time.Time) error {
	ending, err := e.store.ListEndingBetween(ctx, now, now.Add(e.remindBefore))
	if err != nil {
		return fmt.Errorf("list ending periods: %w", err)
	}

	var notified []string
	for _, p := range ending {
		reminded, err := e.store.MarkReminded(ctx, p.ID, now)
		if err != nil {
			e.log.Error().Err(err).Int64("period_id", p.ID).Msg("mark reminded failed")
			continue
		}
		if !reminded {
			continue
		}
		if err := e.notifier.ExpiringSoon(ctx, p.UserID, p.End); err != nil {
			e.log.Warn().Err(err).Str("user_id", p.UserID).Msg("expiring-soon reminder failed")
		}
		notified = append(notified, fmt.Sprintf("%s (ends %s)", e.describeUser(ctx, p.UserID), p.End.Format("02.01.2006 15:04")))
	}

	if len(notified) > 0 {
		digest := fmt.Sprintf("Subscriptions expiring within %s (%d):", e.remindBefore, len(notified))
		for _, line := range notified {
			digest += "\n• " + line
		}
		e.escalate(ctx, "expiring_digest", digest)
	}
	return nil
}
