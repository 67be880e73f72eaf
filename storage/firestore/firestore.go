// Package firestore provides a Google Cloud Firestore implementation of the
// lifecycle.Store interface. Conditional updates run inside Firestore
// transactions so the compare-and-set contract holds across concurrent
// writers.
package firestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// Store implements lifecycle.Store using Google Cloud Firestore.
type Store struct {
	client             *firestore.Client
	usersCollection    string
	periodsCollection  string
	paymentsCollection string
	countersCollection string
}

// Config holds Firestore storage configuration.
type Config struct {
	// UsersCollection is the collection for user metadata.
	// Default: "membership_users".
	UsersCollection string

	// PeriodsCollection is the collection for entitlement periods.
	// Default: "entitlement_periods".
	PeriodsCollection string

	// PaymentsCollection is the collection for payment audit records.
	// Default: "membership_payments".
	PaymentsCollection string

	// CountersCollection holds the period ID counter document.
	// Default: "membership_counters".
	CountersCollection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "membership_users"
	}
	if config.PeriodsCollection == "" {
		config.PeriodsCollection = "entitlement_periods"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "membership_payments"
	}
	if config.CountersCollection == "" {
		config.CountersCollection = "membership_counters"
	}

	return &Store{
		client:             client,
		usersCollection:    config.UsersCollection,
		periodsCollection:  config.PeriodsCollection,
		paymentsCollection: config.PaymentsCollection,
		countersCollection: config.CountersCollection,
	}, nil
}

// UpsertUser implements lifecycle.Store.
func (s *Store) UpsertUser(ctx context.Context, u *lifecycle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	now := time.Now().UTC()
	_, err := s.client.Collection(s.usersCollection).Doc(u.ID).Set(ctx, map[string]any{
		"username":  u.Username,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"updatedAt": now,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements lifecycle.Store.
func (s *Store) GetUser(ctx context.Context, userID string) (*lifecycle.User, error) {
	snap, err := s.client.Collection(s.usersCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, lifecycle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	data := snap.Data()
	return &lifecycle.User{
		ID:        userID,
		Username:  getString(data, "username"),
		FirstName: getString(data, "firstName"),
		LastName:  getString(data, "lastName"),
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

// CreatePeriod implements lifecycle.Store. The transaction allocates the
// next period ID and re-checks the one-active-period invariant before
// writing, mirroring the partial unique index of the SQL backend.
func (s *Store) CreatePeriod(ctx context.Context, p *lifecycle.Period) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !p.End.After(p.Start) {
		return lifecycle.ErrInvalidPeriod
	}

	counter := s.client.Collection(s.countersCollection).Doc("entitlement_periods")
	now := time.Now().UTC()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		active := s.client.Collection(s.periodsCollection).
			Where("userId", "==", p.UserID).
			Where("status", "==", string(lifecycle.StatusActive)).
			Limit(1)
		docs, err := tx.Documents(active).GetAll()
		if err != nil {
			return err
		}
		if len(docs) > 0 {
			return lifecycle.ErrActivePeriodExists
		}

		var next int64 = 1
		snap, err := tx.Get(counter)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if v, ok := snap.Data()["next"].(int64); ok {
				next = v
			}
		}

		if err := tx.Set(counter, map[string]any{"next": next + 1}); err != nil {
			return err
		}

		p.ID = next
		p.CreatedAt = now
		p.UpdatedAt = now
		return tx.Set(s.periodDoc(p.ID), periodData(p))
	})
	if err != nil {
		return err
	}
	return nil
}

// GetActivePeriod implements lifecycle.Store.
func (s *Store) GetActivePeriod(ctx context.Context, userID string, now time.Time) (*lifecycle.Period, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(lifecycle.StatusActive)).
		Where("endAt", ">", now).
		OrderBy("endAt", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	if len(docs) == 0 {
		return nil, lifecycle.ErrPeriodNotFound
	}
	return periodFromDoc(docs[0])
}

// GetOpenPeriod implements lifecycle.Store.
func (s *Store) GetOpenPeriod(ctx context.Context, userID string) (*lifecycle.Period, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("userId", "==", userID).
		Where("status", "==", string(lifecycle.StatusActive)).
		OrderBy("endAt", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get open period: %w", err)
	}
	if len(docs) == 0 {
		return nil, lifecycle.ErrPeriodNotFound
	}
	return periodFromDoc(docs[0])
}

// GetPeriodByProviderSubscriptionID implements lifecycle.Store.
func (s *Store) GetPeriodByProviderSubscriptionID(ctx context.Context, id string) (*lifecycle.Period, error) {
	if id == "" {
		return nil, lifecycle.ErrPeriodNotFound
	}
	docs, err := s.client.Collection(s.periodsCollection).
		Where("providerSubscriptionId", "==", id).
		OrderBy("id", firestore.Desc).
		Limit(1).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to get period by subscription: %w", err)
	}
	if len(docs) == 0 {
		return nil, lifecycle.ErrPeriodNotFound
	}
	return periodFromDoc(docs[0])
}

// TransitionStatus implements lifecycle.Store.
func (s *Store) TransitionStatus(ctx context.Context, periodID int64, from, to lifecycle.Status, now time.Time) (bool, error) {
	applied := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.periodDoc(periodID))
		if status.Code(err) == codes.NotFound {
			return lifecycle.ErrPeriodNotFound
		}
		if err != nil {
			return err
		}
		data := snap.Data()
		if getString(data, "status") != string(from) {
			return nil
		}
		if to == lifecycle.StatusActive && from != lifecycle.StatusActive {
			// Transitioning into active is subject to the same one-active
			// invariant CreatePeriod enforces.
			active := s.client.Collection(s.periodsCollection).
				Where("userId", "==", getString(data, "userId")).
				Where("status", "==", string(lifecycle.StatusActive)).
				Limit(1)
			docs, err := tx.Documents(active).GetAll()
			if err != nil {
				return err
			}
			if len(docs) > 0 && docs[0].Ref.ID != snap.Ref.ID {
				return lifecycle.ErrActivePeriodExists
			}
		}
		applied = true
		return tx.Update(s.periodDoc(periodID), []firestore.Update{
			{Path: "status", Value: string(to)},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ExtendPeriod implements lifecycle.Store.
func (s *Store) ExtendPeriod(ctx context.Context, periodID int64, prevEnd, newEnd time.Time, providerSubscriptionID, priceID string, now time.Time) (bool, error) {
	if !newEnd.After(prevEnd) {
		return false, lifecycle.ErrInvalidPeriod
	}

	applied := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.periodDoc(periodID))
		if status.Code(err) == codes.NotFound {
			return lifecycle.ErrPeriodNotFound
		}
		if err != nil {
			return err
		}
		data := snap.Data()
		if lifecycle.Status(getString(data, "status")).Terminal() {
			return nil
		}
		if !getTime(data, "endAt").Equal(prevEnd) {
			return nil
		}

		updates := []firestore.Update{
			{Path: "endAt", Value: newEnd},
			{Path: "updatedAt", Value: now},
		}
		if providerSubscriptionID != "" {
			updates = append(updates, firestore.Update{Path: "providerSubscriptionId", Value: providerSubscriptionID})
		}
		if priceID != "" {
			updates = append(updates, firestore.Update{Path: "priceId", Value: priceID})
		}
		applied = true
		return tx.Update(s.periodDoc(periodID), updates)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// ListLapsed implements lifecycle.Store. The revoke-attempted filter is
// applied client-side; Firestore cannot combine an inequality with an
// IS NULL check in one query.
func (s *Store) ListLapsed(ctx context.Context, asOf time.Time) ([]*lifecycle.Period, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("endAt", "<=", asOf).
		Where("status", "in", []string{
			string(lifecycle.StatusActive),
			string(lifecycle.StatusPaymentFailed),
			string(lifecycle.StatusExpired),
		}).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed periods: %w", err)
	}

	var out []*lifecycle.Period
	for _, doc := range docs {
		p, err := periodFromDoc(doc)
		if err != nil {
			return nil, err
		}
		if p.RevokeAttemptedAt != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ListEndingBetween implements lifecycle.Store.
func (s *Store) ListEndingBetween(ctx context.Context, from, to time.Time) ([]*lifecycle.Period, error) {
	docs, err := s.client.Collection(s.periodsCollection).
		Where("status", "==", string(lifecycle.StatusActive)).
		Where("endAt", ">", from).
		Where("endAt", "<=", to).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list ending periods: %w", err)
	}

	out := make([]*lifecycle.Period, 0, len(docs))
	for _, doc := range docs {
		p, err := periodFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// MarkWarned implements lifecycle.Store.
func (s *Store) MarkWarned(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "warnedAt", periodID, at)
}

// MarkReminded implements lifecycle.Store.
func (s *Store) MarkReminded(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "remindedAt", periodID, at)
}

// MarkRevokeAttempted implements lifecycle.Store.
func (s *Store) MarkRevokeAttempted(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "revokeAttemptedAt", periodID, at)
}

func (s *Store) markOnce(ctx context.Context, field string, periodID int64, at time.Time) (bool, error) {
	applied := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(s.periodDoc(periodID))
		if status.Code(err) == codes.NotFound {
			return lifecycle.ErrPeriodNotFound
		}
		if err != nil {
			return err
		}
		if _, ok := snap.Data()[field]; ok {
			return nil
		}
		applied = true
		return tx.Update(s.periodDoc(periodID), []firestore.Update{
			{Path: field, Value: at},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RecordPayment implements lifecycle.Store. The document ID is the checkout
// session ID (falling back to the provider payment ID), so a duplicate
// delivery fails the Create with AlreadyExists and reports false.
func (s *Store) RecordPayment(ctx context.Context, pay *lifecycle.Payment) (bool, error) {
	if pay == nil || pay.UserID == "" {
		return false, fmt.Errorf("invalid payment")
	}

	docID := pay.CheckoutSessionID
	if docID == "" {
		docID = pay.ProviderPaymentID
	}
	if docID == "" {
		return false, fmt.Errorf("payment needs a checkout session or provider payment id")
	}

	_, err := s.client.Collection(s.paymentsCollection).Doc(docID).Create(ctx, map[string]any{
		"userId":            pay.UserID,
		"checkoutSessionId": pay.CheckoutSessionID,
		"providerPaymentId": pay.ProviderPaymentID,
		"amount":            pay.Amount,
		"currency":          pay.Currency,
		"status":            pay.Status,
		"createdAt":         time.Now().UTC(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	return true, nil
}

// DeletePayment implements lifecycle.Store.
func (s *Store) DeletePayment(ctx context.Context, checkoutSessionID string) error {
	if checkoutSessionID == "" {
		return nil
	}
	_, err := s.client.Collection(s.paymentsCollection).Doc(checkoutSessionID).Delete(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return nil
}

func (s *Store) periodDoc(id int64) *firestore.DocumentRef {
	return s.client.Collection(s.periodsCollection).Doc(strconv.FormatInt(id, 10))
}

func periodData(p *lifecycle.Period) map[string]any {
	data := map[string]any{
		"id":                     p.ID,
		"userId":                 p.UserID,
		"providerSubscriptionId": p.ProviderSubscriptionID,
		"priceId":                p.PriceID,
		"status":                 string(p.Status),
		"startAt":                p.Start,
		"endAt":                  p.End,
		"createdAt":              p.CreatedAt,
		"updatedAt":              p.UpdatedAt,
	}
	if p.WarnedAt != nil {
		data["warnedAt"] = *p.WarnedAt
	}
	if p.RemindedAt != nil {
		data["remindedAt"] = *p.RemindedAt
	}
	if p.RevokeAttemptedAt != nil {
		data["revokeAttemptedAt"] = *p.RevokeAttemptedAt
	}
	return data
}

func periodFromDoc(doc *firestore.DocumentSnapshot) (*lifecycle.Period, error) {
	data := doc.Data()

	id, err := strconv.ParseInt(doc.Ref.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed period document id %q", doc.Ref.ID)
	}

	p := &lifecycle.Period{
		ID:                     id,
		UserID:                 getString(data, "userId"),
		ProviderSubscriptionID: getString(data, "providerSubscriptionId"),
		PriceID:                getString(data, "priceId"),
		Status:                 lifecycle.Status(getString(data, "status")),
		Start:                  getTime(data, "startAt"),
		End:                    getTime(data, "endAt"),
		CreatedAt:              getTime(data, "createdAt"),
		UpdatedAt:              getTime(data, "updatedAt"),
	}
	if t, ok := data["warnedAt"].(time.Time); ok {
		p.WarnedAt = &t
	}
	if t, ok := data["remindedAt"].(time.Time); ok {
		p.RemindedAt = &t
	}
	if t, ok := data["revokeAttemptedAt"].(time.Time); ok {
		p.RevokeAttemptedAt = &t
	}
	return p, nil
}

func getString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]any, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
