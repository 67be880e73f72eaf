package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// paidPeriod sets up a user with one paid period and returns its end instant.
func paidPeriod(t *testing.T, h *harness) time.Time {
	t.Helper()
	require.NoError(t, h.engine.OnPaymentCompleted(context.Background(), paymentEvent("cs_1")))
	return h.activePeriod(t).End
}

func TestSweepSilentGraceWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	// 23h past the end: inside the silent window, nothing happens.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(23*time.Hour)))

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, lifecycle.StatusActive, periods[0].Status)
	assert.Empty(t, h.notifier.reminders)
	assert.Empty(t, h.access.revokes)
}

func TestSweepWarnTierRemindsAndExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	// 25h past the end: reminder goes out, status flips, access stays.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(25*time.Hour)))

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, lifecycle.StatusExpired, periods[0].Status)
	assert.Equal(t, []string{testUserID}, h.notifier.reminders)
	assert.Empty(t, h.access.revokes, "warn tier never touches access")
}

func TestSweepWarnTierIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	asOf := end.Add(25 * time.Hour)
	require.NoError(t, h.engine.Sweep(ctx, asOf))
	require.NoError(t, h.engine.Sweep(ctx, asOf))

	assert.Len(t, h.notifier.reminders, 1, "re-running the sweep must not re-remind")
}

func TestSweepRemoveTierRevokes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	// 49h past the end: the user is removed and the operator hears about it.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(49*time.Hour)))

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, lifecycle.StatusExpired, periods[0].Status)
	assert.NotNil(t, periods[0].RevokeAttemptedAt)
	assert.Equal(t, []string{testUserID}, h.access.revokes)
	require.Len(t, h.notifier.escalations, 1)
	assert.Contains(t, h.notifier.escalations[0], "removed from the channel")
}

func TestSweepRemoveTierIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	asOf := end.Add(49 * time.Hour)
	require.NoError(t, h.engine.Sweep(ctx, asOf))
	require.NoError(t, h.engine.Sweep(ctx, asOf))

	assert.Len(t, h.access.revokes, 1, "the revoke attempt is claimed exactly once")
	assert.Len(t, h.notifier.escalations, 1)
}

func TestSweepSkipsPeriodStraightToRemoveTier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	// No sweep ran during the warn band (daemon was down). The remove tier
	// still settles the period in one pass.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(72*time.Hour)))

	periods := h.store.Periods()
	assert.Equal(t, lifecycle.StatusExpired, periods[0].Status)
	assert.Equal(t, []string{testUserID}, h.access.revokes)
}

func TestSweepRemoveKeepsAccessViaOtherActivePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	// The renewal charge failed, then the user bought a fresh subscription.
	require.NoError(t, h.engine.OnRenewalFailed(ctx, lifecycle.RenewalFailed{ProviderSubscriptionID: testSubID}))
	h.clock.Advance(monthly + 60*time.Hour)
	ev := paymentEvent("cs_2")
	ev.ProviderSubscriptionID = "sub_test_2"
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, ev))

	require.NoError(t, h.engine.Sweep(ctx, end.Add(60*time.Hour)))

	// The failed period is closed, but the new period keeps the user in.
	assert.Empty(t, h.access.revokes)
	p := h.activePeriod(t)
	assert.Equal(t, "sub_test_2", p.ProviderSubscriptionID)
}

func TestSweepCoversPaymentFailedPeriods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	require.NoError(t, h.engine.OnRenewalFailed(ctx, lifecycle.RenewalFailed{ProviderSubscriptionID: testSubID}))

	// The same grace window applies to failed payments.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(25*time.Hour)))
	assert.Equal(t, []string{testUserID}, h.notifier.reminders)
	assert.Empty(t, h.access.revokes)

	require.NoError(t, h.engine.Sweep(ctx, end.Add(49*time.Hour)))
	assert.Equal(t, []string{testUserID}, h.access.revokes)
}

func TestSweepIgnoresCancelledPeriods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	require.NoError(t, h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))
	require.Len(t, h.access.revokes, 1)

	// Cancellation already settled access; the sweep owes nothing more.
	require.NoError(t, h.engine.Sweep(ctx, end.Add(72*time.Hour)))
	assert.Len(t, h.access.revokes, 1)
	assert.Empty(t, h.notifier.reminders)
}

func TestRemindExpiringNotifiesOncePerPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	asOf := end.Add(-12 * time.Hour)
	require.NoError(t, h.engine.RemindExpiring(ctx, asOf))
	require.NoError(t, h.engine.RemindExpiring(ctx, asOf))

	assert.Len(t, h.notifier.expiring, 1)
	require.Len(t, h.notifier.escalations, 1, "operator digest accompanies the first pass only")
	assert.Contains(t, h.notifier.escalations[0], "expiring within")
}

func TestRemindExpiringIgnoresDistantPeriods(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	end := paidPeriod(t, h)

	require.NoError(t, h.engine.RemindExpiring(ctx, end.Add(-3*24*time.Hour)))

	assert.Empty(t, h.notifier.expiring)
	assert.Empty(t, h.notifier.escalations)
}
