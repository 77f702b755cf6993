package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/oklog/ulid/v2"
)

// TrialDuration is the length of the free trial started at email
// verification.
const TrialDuration = 60 * 24 * time.Hour

// Customer is the identity root for licensing. Identity is keyed by a
// single verified email address.
type Customer struct {
	ID              string
	Email           string
	EmailVerified   bool
	Tier            licensing.Tier
	LicenseStatus   licensing.LicenseStatus
	TrialStartedAt  *time.Time
	ExpiresAt       *time.Time
	GracePeriodEnds *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LicenseUsable reports whether the customer may activate or refresh
// right now.
func (c *Customer) LicenseUsable(now time.Time) bool {
	if !c.LicenseStatus.Usable() {
		return false
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return false
	}
	return true
}

// CreateCustomer inserts a new customer with a verified email and starts
// the trial clock. The trial expiry is always set once the trial starts.
func (s *Store) CreateCustomer(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now().UTC()
	expires := now.Add(TrialDuration)
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, email, email_verified, tier, license_status, trial_started_at, expires_at, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		id, email, int(licensing.TierStandard), string(licensing.StatusTrial),
		now.Unix(), expires.Unix(), now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create customer: email already registered: %w", licensing.ErrValidation)
		}
		return nil, wrapErr("create customer", err)
	}

	return &Customer{
		ID:             id,
		Email:          email,
		EmailVerified:  true,
		Tier:           licensing.TierStandard,
		LicenseStatus:  licensing.StatusTrial,
		TrialStartedAt: &now,
		ExpiresAt:      &expires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetCustomerByEmail looks up a customer by email. Returns
// licensing.ErrCustomerNotFound when absent.
func (s *Store) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, tier, license_status, trial_started_at, expires_at, grace_period_ends, created_at, updated_at
		FROM customers WHERE email = ?`, email)
	return scanCustomer(row)
}

// GetCustomerByID looks up a customer by id.
func (s *Store) GetCustomerByID(ctx context.Context, id string) (*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, email, email_verified, tier, license_status, trial_started_at, expires_at, grace_period_ends, created_at, updated_at
		FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

// SetTier changes the customer's subscription tier. The new tier takes
// effect on the next refresh; outstanding tokens keep their frozen tier
// until then.
func (s *Store) SetTier(ctx context.Context, customerID string, tier licensing.Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("set tier: unknown tier %d: %w", tier, licensing.ErrValidation)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET tier = ?, updated_at = ? WHERE id = ?`,
		int(tier), s.now().Unix(), customerID)
	if err != nil {
		return wrapErr("set tier", err)
	}
	return requireRow(res, licensing.ErrCustomerNotFound)
}

// SetStatus performs an administrative status override.
func (s *Store) SetStatus(ctx context.Context, customerID string, status licensing.LicenseStatus) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET license_status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().Unix(), customerID)
	if err != nil {
		return wrapErr("set status", err)
	}
	return requireRow(res, licensing.ErrCustomerNotFound)
}

// MarkTrialExpired transitions a trial customer to expired and opens the
// grace period. The status guard makes re-runs idempotent.
func (s *Store) MarkTrialExpired(ctx context.Context, customerID string, graceEnds time.Time) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET license_status = ?, grace_period_ends = ?, updated_at = ?
		WHERE id = ? AND license_status = ?`,
		string(licensing.StatusExpired), graceEnds.Unix(), s.now().Unix(),
		customerID, string(licensing.StatusTrial))
	if err != nil {
		return false, wrapErr("mark trial expired", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkSuspended transitions an expired customer whose grace period has
// lapsed to suspended.
func (s *Store) MarkSuspended(ctx context.Context, customerID string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE customers SET license_status = ?, updated_at = ?
		WHERE id = ? AND license_status = ?`,
		string(licensing.StatusSuspended), s.now().Unix(),
		customerID, string(licensing.StatusExpired))
	if err != nil {
		return false, wrapErr("mark suspended", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpiredTrials returns trial customers whose expiry has passed.
func (s *Store) ExpiredTrials(ctx context.Context, now time.Time) ([]*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, email_verified, tier, license_status, trial_started_at, expires_at, grace_period_ends, created_at, updated_at
		FROM customers
		WHERE license_status = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		string(licensing.StatusTrial), now.Unix())
	if err != nil {
		return nil, wrapErr("expired trials", err)
	}
	defer rows.Close()
	return scanCustomers(rows)
}

// LapsedGracePeriods returns expired customers whose grace period has
// ended.
func (s *Store) LapsedGracePeriods(ctx context.Context, now time.Time) ([]*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, email_verified, tier, license_status, trial_started_at, expires_at, grace_period_ends, created_at, updated_at
		FROM customers
		WHERE license_status = ? AND grace_period_ends IS NOT NULL AND grace_period_ends < ?`,
		string(licensing.StatusExpired), now.Unix())
	if err != nil {
		return nil, wrapErr("lapsed grace periods", err)
	}
	defer rows.Close()
	return scanCustomers(rows)
}

// TrialsExpiringOn returns trial customers whose expiry falls on the
// given calendar day (date-only comparison, local time).
func (s *Store) TrialsExpiringOn(ctx context.Context, day time.Time) ([]*Customer, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, email_verified, tier, license_status, trial_started_at, expires_at, grace_period_ends, created_at, updated_at
		FROM customers
		WHERE license_status = ? AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at < ?`,
		string(licensing.StatusTrial), dayStart.Unix(), dayEnd.Unix())
	if err != nil {
		return nil, wrapErr("trials expiring on", err)
	}
	defer rows.Close()
	return scanCustomers(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*Customer, error) {
	var (
		c             Customer
		verified      int
		tier          int
		status        string
		trialStarted  sql.NullInt64
		expiresAt     sql.NullInt64
		graceEnds     sql.NullInt64
		created, updt int64
	)
	err := row.Scan(&c.ID, &c.Email, &verified, &tier, &status,
		&trialStarted, &expiresAt, &graceEnds, &created, &updt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, licensing.ErrCustomerNotFound
	}
	if err != nil {
		return nil, wrapErr("scan customer", err)
	}

	c.EmailVerified = verified != 0
	c.Tier = licensing.Tier(tier)
	c.LicenseStatus = licensing.LicenseStatus(status)
	c.TrialStartedAt = unixPtr(trialStarted)
	c.ExpiresAt = unixPtr(expiresAt)
	c.GracePeriodEnds = unixPtr(graceEnds)
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updt, 0)
	return &c, nil
}

func scanCustomers(rows *sql.Rows) ([]*Customer, error) {
	var out []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate customers", err)
	}
	return out, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
