// Package memory provides an in-memory implementation of the lifecycle.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// Store implements lifecycle.Store using in-memory maps guarded by a mutex.
// Conditional updates are evaluated under the lock, so it honours the same
// compare-and-set contract as the SQL backends.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*lifecycle.User
	periods  map[int64]*lifecycle.Period
	payments []*lifecycle.Payment
	nextID   int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		users:   make(map[string]*lifecycle.User),
		periods: make(map[int64]*lifecycle.Period),
		nextID:  1,
	}
}

// UpsertUser implements lifecycle.Store.
func (s *Store) UpsertUser(_ context.Context, u *lifecycle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := *u
	if existing, ok := s.users[u.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.users[u.ID] = &cp
	return nil
}

// GetUser implements lifecycle.Store.
func (s *Store) GetUser(_ context.Context, userID string) (*lifecycle.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, lifecycle.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// CreatePeriod implements lifecycle.Store.
func (s *Store) CreatePeriod(_ context.Context, p *lifecycle.Period) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !p.End.After(p.Start) {
		return lifecycle.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.periods {
		if existing.UserID == p.UserID && existing.Status == lifecycle.StatusActive {
			return lifecycle.ErrActivePeriodExists
		}
	}

	now := time.Now().UTC()
	p.ID = s.nextID
	s.nextID++
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	s.periods[p.ID] = &cp
	return nil
}

// GetActivePeriod implements lifecycle.Store.
func (s *Store) GetActivePeriod(_ context.Context, userID string, now time.Time) (*lifecycle.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *lifecycle.Period
	for _, p := range s.periods {
		if p.UserID == userID && p.Status == lifecycle.StatusActive && p.End.After(now) {
			if best == nil || p.End.After(best.End) {
				best = p
			}
		}
	}
	if best == nil {
		return nil, lifecycle.ErrPeriodNotFound
	}
	cp := *best
	return &cp, nil
}

// GetOpenPeriod implements lifecycle.Store.
func (s *Store) GetOpenPeriod(_ context.Context, userID string) (*lifecycle.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *lifecycle.Period
	for _, p := range s.periods {
		if p.UserID == userID && p.Status == lifecycle.StatusActive {
			if best == nil || p.End.After(best.End) {
				best = p
			}
		}
	}
	if best == nil {
		return nil, lifecycle.ErrPeriodNotFound
	}
	cp := *best
	return &cp, nil
}

// GetPeriodByProviderSubscriptionID implements lifecycle.Store.
func (s *Store) GetPeriodByProviderSubscriptionID(_ context.Context, id string) (*lifecycle.Period, error) {
	if id == "" {
		return nil, lifecycle.ErrPeriodNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *lifecycle.Period
	for _, p := range s.periods {
		if p.ProviderSubscriptionID == id {
			if best == nil || p.ID > best.ID {
				best = p
			}
		}
	}
	if best == nil {
		return nil, lifecycle.ErrPeriodNotFound
	}
	cp := *best
	return &cp, nil
}

// TransitionStatus implements lifecycle.Store.
func (s *Store) TransitionStatus(_ context.Context, periodID int64, from, to lifecycle.Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.periods[periodID]
	if !ok {
		return false, lifecycle.ErrPeriodNotFound
	}
	if p.Status != from {
		return false, nil
	}
	if to == lifecycle.StatusActive && from != lifecycle.StatusActive {
		// Transitioning into active is subject to the same one-active
		// invariant CreatePeriod enforces.
		for _, existing := range s.periods {
			if existing.ID != periodID && existing.UserID == p.UserID && existing.Status == lifecycle.StatusActive {
				return false, lifecycle.ErrActivePeriodExists
			}
		}
	}
	p.Status = to
	p.UpdatedAt = now
	return true, nil
}

// ExtendPeriod implements lifecycle.Store.
func (s *Store) ExtendPeriod(_ context.Context, periodID int64, prevEnd, newEnd time.Time, providerSubscriptionID, priceID string, now time.Time) (bool, error) {
	if !newEnd.After(prevEnd) {
		return false, lifecycle.ErrInvalidPeriod
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.periods[periodID]
	if !ok {
		return false, lifecycle.ErrPeriodNotFound
	}
	if !p.End.Equal(prevEnd) || p.Status.Terminal() {
		return false, nil
	}
	p.End = newEnd
	if providerSubscriptionID != "" {
		p.ProviderSubscriptionID = providerSubscriptionID
	}
	if priceID != "" {
		p.PriceID = priceID
	}
	p.UpdatedAt = now
	return true, nil
}

// ListLapsed implements lifecycle.Store.
func (s *Store) ListLapsed(_ context.Context, asOf time.Time) ([]*lifecycle.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lifecycle.Period
	for _, p := range s.periods {
		if p.Status == lifecycle.StatusCancelled || p.RevokeAttemptedAt != nil || p.End.After(asOf) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// ListEndingBetween implements lifecycle.Store.
func (s *Store) ListEndingBetween(_ context.Context, from, to time.Time) ([]*lifecycle.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*lifecycle.Period
	for _, p := range s.periods {
		if p.Status != lifecycle.StatusActive {
			continue
		}
		if p.End.After(from) && !p.End.After(to) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MarkWarned implements lifecycle.Store.
func (s *Store) MarkWarned(_ context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(periodID, at, func(p *lifecycle.Period) **time.Time { return &p.WarnedAt })
}

// MarkReminded implements lifecycle.Store.
func (s *Store) MarkReminded(_ context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(periodID, at, func(p *lifecycle.Period) **time.Time { return &p.RemindedAt })
}

// MarkRevokeAttempted implements lifecycle.Store.
func (s *Store) MarkRevokeAttempted(_ context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(periodID, at, func(p *lifecycle.Period) **time.Time { return &p.RevokeAttemptedAt })
}

func (s *Store) markOnce(periodID int64, at time.Time, field func(*lifecycle.Period) **time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.periods[periodID]
	if !ok {
		return false, lifecycle.ErrPeriodNotFound
	}
	f := field(p)
	if *f != nil {
		return false, nil
	}
	ts := at
	*f = &ts
	p.UpdatedAt = at
	return true, nil
}

// RecordPayment implements lifecycle.Store.
func (s *Store) RecordPayment(_ context.Context, pay *lifecycle.Payment) (bool, error) {
	if pay == nil || pay.UserID == "" {
		return false, fmt.Errorf("invalid payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if pay.CheckoutSessionID != "" && existing.CheckoutSessionID == pay.CheckoutSessionID {
			return false, nil
		}
		if pay.ProviderPaymentID != "" && existing.ProviderPaymentID == pay.ProviderPaymentID {
			return false, nil
		}
	}

	cp := *pay
	cp.ID = s.nextID
	s.nextID++
	cp.CreatedAt = time.Now().UTC()
	s.payments = append(s.payments, &cp)
	return true, nil
}

// DeletePayment implements lifecycle.Store.
func (s *Store) DeletePayment(_ context.Context, checkoutSessionID string) error {
	if checkoutSessionID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.payments {
		if existing.CheckoutSessionID == checkoutSessionID {
			s.payments = append(s.payments[:i], s.payments[i+1:]...)
			return nil
		}
	}
	return nil
}

// Periods returns a snapshot of all stored periods, useful for invariant
// checks in tests.
func (s *Store) Periods() []*lifecycle.Period {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*lifecycle.Period, 0, len(s.periods))
	for _, p := range s.periods {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[string]*lifecycle.User)
	s.periods = make(map[int64]*lifecycle.Period)
	s.payments = nil
	s.nextID = 1
}
