package lifecycle_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/lifecycle"
	"github.com/membergate/membergate/storage/memory"
)

const (
	testUserID  = "100200300"
	testSubID   = "sub_test_1"
	testPriceID = "price_monthly"
	monthly     = 30 * 24 * time.Hour
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeAccess struct {
	mu        sync.Mutex
	member    bool
	memberErr error
	grantErr  error
	revokeErr error
	grants    []string
	revokes   []string
}

func (a *fakeAccess) Grant(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grantErr != nil {
		return a.grantErr
	}
	a.grants = append(a.grants, userID)
	a.member = true
	return nil
}

func (a *fakeAccess) Revoke(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revokeErr != nil {
		return a.revokeErr
	}
	a.revokes = append(a.revokes, userID)
	a.member = false
	return nil
}

func (a *fakeAccess) IsMember(_ context.Context, _ string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.member, a.memberErr
}

type fakeNotifier struct {
	mu          sync.Mutex
	reminders   []string
	expiring    []string
	renewed     []string
	escalations []string
}

func (n *fakeNotifier) RenewalReminder(_ context.Context, userID string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, userID)
	return nil
}

func (n *fakeNotifier) ExpiringSoon(_ context.Context, userID string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expiring = append(n.expiring, userID)
	return nil
}

func (n *fakeNotifier) Renewed(_ context.Context, userID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.renewed = append(n.renewed, userID)
	return nil
}

func (n *fakeNotifier) Escalate(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.escalations = append(n.escalations, message)
	return nil
}

// flakyStore fails a configured number of CreatePeriod calls before behaving
// like the in-memory store again.
type flakyStore struct {
	*memory.Store
	mu          sync.Mutex
	createFails int
}

func (s *flakyStore) CreatePeriod(ctx context.Context, p *lifecycle.Period) error {
	s.mu.Lock()
	if s.createFails > 0 {
		s.createFails--
		s.mu.Unlock()
		return errors.New("storage unavailable")
	}
	s.mu.Unlock()
	return s.Store.CreatePeriod(ctx, p)
}

type fakeMetrics struct {
	mu      sync.Mutex
	revokes []string
}

func (m *fakeMetrics) RecordEvent(_, _ string)                  {}
func (m *fakeMetrics) RecordSweep(_ time.Duration, _, _, _ int) {}
func (m *fakeMetrics) RecordGrant(_ string)                     {}
func (m *fakeMetrics) RecordEscalation(_ string)                {}

func (m *fakeMetrics) RecordRevoke(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokes = append(m.revokes, outcome)
}

type harness struct {
	engine   *lifecycle.Engine
	store    *memory.Store
	access   *fakeAccess
	notifier *fakeNotifier
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store := memory.New()
	acc := &fakeAccess{}
	not := &fakeNotifier{}
	clock := newFakeClock()

	engine, err := lifecycle.NewEngine(store, acc, not, lifecycle.Config{
		PlanDurations: map[string]time.Duration{testPriceID: monthly},
		Now:           clock.Now,
	})
	require.NoError(t, err)

	return &harness{engine: engine, store: store, access: acc, notifier: not, clock: clock}
}

func paymentEvent(sessionID string) lifecycle.PaymentCompleted {
	return lifecycle.PaymentCompleted{
		UserID:                 testUserID,
		ProviderSubscriptionID: testSubID,
		PriceID:                testPriceID,
		CheckoutSessionID:      sessionID,
		ProviderPaymentID:      "pi_" + sessionID,
		Amount:                 999,
		Currency:               "usd",
	}
}

func (h *harness) activePeriod(t *testing.T) *lifecycle.Period {
	t.Helper()
	p, err := h.store.GetActivePeriod(context.Background(), testUserID, h.clock.Now())
	require.NoError(t, err)
	return p
}

func TestPaymentCreatesPeriodAndGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	p := h.activePeriod(t)
	assert.Equal(t, lifecycle.StatusActive, p.Status)
	assert.Equal(t, testSubID, p.ProviderSubscriptionID)
	assert.Equal(t, h.clock.Now().Add(monthly), p.End)
	assert.Equal(t, []string{testUserID}, h.access.grants)
}

func TestDuplicatePaymentIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	end := h.activePeriod(t).End

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, end, periods[0].End)
	assert.Len(t, h.access.grants, 1, "duplicate delivery must not send a second invite")
}

func TestPaymentRetryableAfterPeriodWriteFailure(t *testing.T) {
	store := &flakyStore{Store: memory.New(), createFails: 1}
	acc := &fakeAccess{}
	not := &fakeNotifier{}
	clock := newFakeClock()
	engine, err := lifecycle.NewEngine(store, acc, not, lifecycle.Config{
		PlanDurations: map[string]time.Duration{testPriceID: monthly},
		Now:           clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	// The period write fails after the payment record landed. The claim must
	// be released so the provider's redelivery is not absorbed as a duplicate.
	require.Error(t, engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	require.NoError(t, engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	p, err := store.GetActivePeriod(ctx, testUserID, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, p.Status)
	assert.Equal(t, []string{testUserID}, acc.grants)

	// A third delivery of the same event is a plain duplicate again.
	require.NoError(t, engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.Len(t, store.Periods(), 1)
	assert.Len(t, acc.grants, 1)
}

func TestEarlyRenewalExtendsFromCurrentEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	firstEnd := h.activePeriod(t).End

	// Renewing 10 days in: remaining time carries over.
	h.clock.Advance(10 * 24 * time.Hour)
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_2")))

	p := h.activePeriod(t)
	assert.Equal(t, firstEnd.Add(monthly), p.End)
	require.Len(t, h.store.Periods(), 1, "early renewal extends, never creates")
}

func TestRenewalAfterLapseExtendsFromNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	// Lapsed but not yet swept: status is still active, end in the past.
	h.clock.Advance(monthly + 12*time.Hour)
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_2")))

	p := h.activePeriod(t)
	assert.Equal(t, h.clock.Now().Add(monthly), p.End, "gap time is not owed")
	require.Len(t, h.store.Periods(), 1)
}

func TestPaymentAfterTerminalStatusCreatesNewPeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_2")))

	periods := h.store.Periods()
	require.Len(t, periods, 2, "terminal periods are never resurrected")

	p := h.activePeriod(t)
	assert.Equal(t, h.clock.Now().Add(monthly), p.End)

	var cancelled int
	for _, q := range periods {
		if q.Status == lifecycle.StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestRenewalSucceededMarksActiveAndNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnRenewalFailed(ctx, lifecycle.RenewalFailed{ProviderSubscriptionID: testSubID}))

	require.NoError(t, h.engine.OnRenewalSucceeded(ctx, lifecycle.RenewalSucceeded{ProviderSubscriptionID: testSubID}))

	p := h.activePeriod(t)
	assert.Equal(t, lifecycle.StatusActive, p.Status)
	assert.Equal(t, []string{testUserID}, h.notifier.renewed)
}

func TestRenewalSucceededRegrantsWhenNotMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	h.access.member = false

	require.NoError(t, h.engine.OnRenewalSucceeded(ctx, lifecycle.RenewalSucceeded{ProviderSubscriptionID: testSubID}))

	assert.Len(t, h.access.grants, 2, "user who left the channel gets a fresh invite")
	assert.Empty(t, h.notifier.renewed)
}

func TestRenewalSuccessForSupersededPeriodKeepsOneActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Subscription A's charge failed, the user bought subscription B, then
	// A's retried charge finally went through. B already owns the user's
	// entitlement; re-activating A would mean two active periods at once.
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnRenewalFailed(ctx, lifecycle.RenewalFailed{ProviderSubscriptionID: testSubID}))

	ev := paymentEvent("cs_2")
	ev.ProviderSubscriptionID = "sub_test_2"
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, ev))

	require.NoError(t, h.engine.OnRenewalSucceeded(ctx, lifecycle.RenewalSucceeded{ProviderSubscriptionID: testSubID}))

	var active int
	for _, p := range h.store.Periods() {
		if p.Status == lifecycle.StatusActive {
			active++
		}
		if p.ProviderSubscriptionID == testSubID {
			assert.Equal(t, lifecycle.StatusPaymentFailed, p.Status, "the superseded period stays closed")
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, "sub_test_2", h.activePeriod(t).ProviderSubscriptionID)
}

func TestRenewalFailedKeepsAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnRenewalFailed(ctx, lifecycle.RenewalFailed{ProviderSubscriptionID: testSubID}))

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, lifecycle.StatusPaymentFailed, periods[0].Status)
	assert.Empty(t, h.access.revokes, "failed renewal never revokes directly")
}

func TestUnknownSubscriptionEventReturnsError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.engine.OnRenewalSucceeded(ctx, lifecycle.RenewalSucceeded{ProviderSubscriptionID: "sub_never_seen"})
	assert.ErrorIs(t, err, lifecycle.ErrUnknownSubscription)

	err = h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{ProviderSubscriptionID: "sub_never_seen"})
	assert.ErrorIs(t, err, lifecycle.ErrUnknownSubscription)
}

func TestCancellationRevokesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	cancel := lifecycle.CancellationRequested{ProviderSubscriptionID: testSubID}
	require.NoError(t, h.engine.OnCancellationRequested(ctx, cancel))
	require.NoError(t, h.engine.OnCancellationRequested(ctx, cancel))

	assert.Equal(t, []string{testUserID}, h.access.revokes, "redelivered cancellation must not double-revoke")

	periods := h.store.Periods()
	require.Len(t, periods, 1)
	assert.Equal(t, lifecycle.StatusCancelled, periods[0].Status)
	assert.NotNil(t, periods[0].RevokeAttemptedAt)
}

func TestCancellationKeepsAccessViaOtherActivePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Old subscription cancelled, user immediately bought a new one.
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))
	ev := paymentEvent("cs_2")
	ev.ProviderSubscriptionID = "sub_test_2"
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, ev))

	// Redelivered cancellation for the old subscription.
	require.NoError(t, h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))

	assert.Len(t, h.access.revokes, 1, "the new period keeps access alive")
	p := h.activePeriod(t)
	assert.Equal(t, "sub_test_2", p.ProviderSubscriptionID)
}

func TestCancellationRevokeFailureEscalates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	h.access.revokeErr = errors.New("bot lacks admin rights")

	require.NoError(t, h.engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))

	require.Len(t, h.notifier.escalations, 1)
	assert.Contains(t, h.notifier.escalations[0], "Manual follow-up required")
}

func TestRevokePrivilegeFailureEscalatesConfiguration(t *testing.T) {
	store := memory.New()
	acc := &fakeAccess{}
	not := &fakeNotifier{}
	clock := newFakeClock()
	metrics := &fakeMetrics{}
	engine, err := lifecycle.NewEngine(store, acc, not, lifecycle.Config{
		PlanDurations: map[string]time.Duration{testPriceID: monthly},
		Now:           clock.Now,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	acc.revokeErr = fmt.Errorf("remove member %s: %w", testUserID, lifecycle.ErrInsufficientPrivileges)

	require.NoError(t, engine.OnCancellationRequested(ctx, lifecycle.CancellationRequested{
		ProviderSubscriptionID: testSubID,
	}))

	require.Len(t, not.escalations, 1)
	assert.Contains(t, not.escalations[0], "admin rights", "privilege failures are configuration errors, not per-user follow-ups")
	assert.Equal(t, []string{"privilege"}, metrics.revokes)
}

func TestStatusChangedTerminalStatusesCancel(t *testing.T) {
	for _, status := range []string{"canceled", "unpaid", "past_due"} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()

			require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
			require.NoError(t, h.engine.OnStatusChanged(ctx, lifecycle.StatusChanged{
				ProviderSubscriptionID: testSubID,
				NewStatus:              status,
			}))

			periods := h.store.Periods()
			require.Len(t, periods, 1)
			assert.Equal(t, lifecycle.StatusCancelled, periods[0].Status)
			assert.Equal(t, []string{testUserID}, h.access.revokes)
		})
	}
}

func TestStatusChangedUnrelatedStatusIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	require.NoError(t, h.engine.OnStatusChanged(ctx, lifecycle.StatusChanged{
		ProviderSubscriptionID: testSubID,
		NewStatus:              "trialing",
	}))

	assert.Equal(t, lifecycle.StatusActive, h.activePeriod(t).Status)
	assert.Empty(t, h.access.revokes)
}

func TestGrantFailureDoesNotRollBackEntitlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.access.grantErr = errors.New("telegram unreachable")
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	// The paid period exists even though the invite failed; ResendInvite
	// recovers once the channel is reachable again.
	p := h.activePeriod(t)
	assert.Equal(t, lifecycle.StatusActive, p.Status)

	h.access.grantErr = nil
	require.NoError(t, h.engine.ResendInvite(ctx, testUserID))
	assert.Equal(t, []string{testUserID}, h.access.grants)
}

func TestStatusAndResendInviteRequireActivePeriod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Status(ctx, testUserID)
	assert.ErrorIs(t, err, lifecycle.ErrPeriodNotFound)
	assert.ErrorIs(t, h.engine.ResendInvite(ctx, testUserID), lifecycle.ErrPeriodNotFound)

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))

	p, err := h.engine.Status(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusActive, p.Status)
}

func TestAtMostOneActivePeriodPerUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnPaymentCompleted(ctx, paymentEvent("cs_1")))
	ev := paymentEvent("cs_2")
	ev.ProviderSubscriptionID = "sub_test_2"
	require.NoError(t, h.engine.OnPaymentCompleted(ctx, ev))

	var active int
	for _, p := range h.store.Periods() {
		if p.Status == lifecycle.StatusActive {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
