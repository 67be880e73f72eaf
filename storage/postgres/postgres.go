// Package postgres provides a PostgreSQL implementation of the
// lifecycle.Store interface. Conditional updates are expressed as
// single-statement UPDATE ... WHERE <expected state> so concurrent writers
// serialise on the row without long transactions.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/membergate/membergate/pkg/lifecycle"
)

// Store implements lifecycle.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS entitlement_periods (
			id                       BIGSERIAL PRIMARY KEY,
			user_id                  TEXT NOT NULL,
			provider_subscription_id TEXT NOT NULL DEFAULT '',
			price_id                 TEXT NOT NULL DEFAULT '',
			status                   TEXT NOT NULL,
			start_at                 TIMESTAMPTZ NOT NULL,
			end_at                   TIMESTAMPTZ NOT NULL,
			warned_at                TIMESTAMPTZ,
			reminded_at              TIMESTAMPTZ,
			revoke_attempted_at      TIMESTAMPTZ,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
			CHECK (end_at > start_at)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS entitlement_periods_one_active
			ON entitlement_periods (user_id) WHERE status = 'active'`,
		`CREATE INDEX IF NOT EXISTS entitlement_periods_provider_sub
			ON entitlement_periods (provider_subscription_id)`,
		`CREATE INDEX IF NOT EXISTS entitlement_periods_lapsed
			ON entitlement_periods (end_at) WHERE revoke_attempted_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS payments (
			id                  BIGSERIAL PRIMARY KEY,
			user_id             TEXT NOT NULL,
			checkout_session_id TEXT UNIQUE,
			provider_payment_id TEXT UNIQUE,
			amount              BIGINT NOT NULL,
			currency            TEXT NOT NULL,
			status              TEXT NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// UpsertUser implements lifecycle.Store.
func (s *Store) UpsertUser(ctx context.Context, u *lifecycle.User) error {
	if u == nil || u.ID == "" {
		return fmt.Errorf("invalid user")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, first_name, last_name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				username = EXCLUDED.username,
				first_name = EXCLUDED.first_name,
				last_name = EXCLUDED.last_name,
				updated_at = now()`,
		u.ID, u.Username, u.FirstName, u.LastName)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser implements lifecycle.Store.
func (s *Store) GetUser(ctx context.Context, userID string) (*lifecycle.User, error) {
	var u lifecycle.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, first_name, last_name, created_at, updated_at
			FROM users WHERE id = $1`, userID).
		Scan(&u.ID, &u.Username, &u.FirstName, &u.LastName, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

const periodColumns = `id, user_id, provider_subscription_id, price_id, status,
	start_at, end_at, warned_at, reminded_at, revoke_attempted_at, created_at, updated_at`

func scanPeriod(row pgx.Row) (*lifecycle.Period, error) {
	var p lifecycle.Period
	err := row.Scan(
		&p.ID, &p.UserID, &p.ProviderSubscriptionID, &p.PriceID, &p.Status,
		&p.Start, &p.End, &p.WarnedAt, &p.RemindedAt, &p.RevokeAttemptedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePeriod implements lifecycle.Store. The partial unique index on
// (user_id) WHERE status = 'active' enforces the one-active-period invariant
// at the storage layer; a violation surfaces as ErrActivePeriodExists.
func (s *Store) CreatePeriod(ctx context.Context, p *lifecycle.Period) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("invalid period")
	}
	if !p.End.After(p.Start) {
		return lifecycle.ErrInvalidPeriod
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO entitlement_periods
			(user_id, provider_subscription_id, price_id, status, start_at, end_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at`,
		p.UserID, p.ProviderSubscriptionID, p.PriceID, string(p.Status), p.Start, p.End).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return lifecycle.ErrActivePeriodExists
		}
		return fmt.Errorf("failed to create period: %w", err)
	}
	return nil
}

// GetActivePeriod implements lifecycle.Store.
func (s *Store) GetActivePeriod(ctx context.Context, userID string, now time.Time) (*lifecycle.Period, error) {
	p, err := scanPeriod(s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM entitlement_periods
			WHERE user_id = $1 AND status = 'active' AND end_at > $2
			ORDER BY end_at DESC LIMIT 1`,
		userID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	return p, nil
}

// GetOpenPeriod implements lifecycle.Store.
func (s *Store) GetOpenPeriod(ctx context.Context, userID string) (*lifecycle.Period, error) {
	p, err := scanPeriod(s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM entitlement_periods
			WHERE user_id = $1 AND status = 'active'
			ORDER BY end_at DESC LIMIT 1`,
		userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open period: %w", err)
	}
	return p, nil
}

// GetPeriodByProviderSubscriptionID implements lifecycle.Store.
func (s *Store) GetPeriodByProviderSubscriptionID(ctx context.Context, id string) (*lifecycle.Period, error) {
	if id == "" {
		return nil, lifecycle.ErrPeriodNotFound
	}
	p, err := scanPeriod(s.pool.QueryRow(ctx,
		`SELECT `+periodColumns+` FROM entitlement_periods
			WHERE provider_subscription_id = $1
			ORDER BY id DESC LIMIT 1`,
		id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, lifecycle.ErrPeriodNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get period by subscription: %w", err)
	}
	return p, nil
}

// TransitionStatus implements lifecycle.Store. Transitioning into active is
// guarded by the one-active partial unique index; a violation surfaces as
// ErrActivePeriodExists instead of silently minting a second active period.
func (s *Store) TransitionStatus(ctx context.Context, periodID int64, from, to lifecycle.Status, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlement_periods SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4`,
		string(to), now, periodID, string(from))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, lifecycle.ErrActivePeriodExists
		}
		return false, fmt.Errorf("failed to transition status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExtendPeriod implements lifecycle.Store.
func (s *Store) ExtendPeriod(ctx context.Context, periodID int64, prevEnd, newEnd time.Time, providerSubscriptionID, priceID string, now time.Time) (bool, error) {
	if !newEnd.After(prevEnd) {
		return false, lifecycle.ErrInvalidPeriod
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlement_periods SET
			end_at = $1,
			provider_subscription_id = CASE WHEN $2 <> '' THEN $2 ELSE provider_subscription_id END,
			price_id = CASE WHEN $3 <> '' THEN $3 ELSE price_id END,
			updated_at = $4
			WHERE id = $5 AND end_at = $6 AND status = 'active'`,
		newEnd, providerSubscriptionID, priceID, now, periodID, prevEnd)
	if err != nil {
		return false, fmt.Errorf("failed to extend period: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListLapsed implements lifecycle.Store.
func (s *Store) ListLapsed(ctx context.Context, asOf time.Time) ([]*lifecycle.Period, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+periodColumns+` FROM entitlement_periods
			WHERE end_at <= $1
			AND status IN ('active', 'payment_failed', 'expired')
			AND revoke_attempted_at IS NULL
			ORDER BY end_at`,
		asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed periods: %w", err)
	}
	defer rows.Close()
	return collectPeriods(rows)
}

// ListEndingBetween implements lifecycle.Store.
func (s *Store) ListEndingBetween(ctx context.Context, from, to time.Time) ([]*lifecycle.Period, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+periodColumns+` FROM entitlement_periods
			WHERE status = 'active' AND end_at > $1 AND end_at <= $2
			ORDER BY end_at`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list ending periods: %w", err)
	}
	defer rows.Close()
	return collectPeriods(rows)
}

func collectPeriods(rows pgx.Rows) ([]*lifecycle.Period, error) {
	var out []*lifecycle.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan period: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read periods: %w", err)
	}
	return out, nil
}

// MarkWarned implements lifecycle.Store.
func (s *Store) MarkWarned(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "warned_at", periodID, at)
}

// MarkReminded implements lifecycle.Store.
func (s *Store) MarkReminded(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "reminded_at", periodID, at)
}

// MarkRevokeAttempted implements lifecycle.Store.
func (s *Store) MarkRevokeAttempted(ctx context.Context, periodID int64, at time.Time) (bool, error) {
	return s.markOnce(ctx, "revoke_attempted_at", periodID, at)
}

// markOnce sets a bookkeeping column only when it is still NULL. The column
// name is always one of our own constants, never caller input.
func (s *Store) markOnce(ctx context.Context, column string, periodID int64, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlement_periods SET `+column+` = $1, updated_at = $1
			WHERE id = $2 AND `+column+` IS NULL`,
		at, periodID)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s: %w", column, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordPayment implements lifecycle.Store. Duplicate checkout session or
// provider payment IDs are absorbed by ON CONFLICT DO NOTHING.
func (s *Store) RecordPayment(ctx context.Context, pay *lifecycle.Payment) (bool, error) {
	if pay == nil || pay.UserID == "" {
		return false, fmt.Errorf("invalid payment")
	}

	checkoutID := nullableString(pay.CheckoutSessionID)
	paymentID := nullableString(pay.ProviderPaymentID)

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO payments (user_id, checkout_session_id, provider_payment_id, amount, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT DO NOTHING`,
		pay.UserID, checkoutID, paymentID, pay.Amount, pay.Currency, pay.Status)
	if err != nil {
		return false, fmt.Errorf("failed to record payment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeletePayment implements lifecycle.Store.
func (s *Store) DeletePayment(ctx context.Context, checkoutSessionID string) error {
	if checkoutSessionID == "" {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM payments WHERE checkout_session_id = $1`, checkoutSessionID); err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL so empty optional IDs do not collide on the
// unique indexes.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
