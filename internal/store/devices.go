package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
)

// DeviceStatus is the lifecycle state of a hardware binding.
type DeviceStatus string

const (
	DeviceActive   DeviceStatus = "active"
	DeviceInactive DeviceStatus = "inactive"
	DeviceRevoked  DeviceStatus = "revoked"
)

// Device is a hardware binding for a customer. Only the salted hash of
// the hardware fingerprint is stored.
type Device struct {
	ID           string
	CustomerID   string
	HardwareHash string
	Label        string
	Status       DeviceStatus
	FirstSeen    time.Time
	LastSeen     time.Time
}

// FindActiveDevice returns the active binding for (customer, hardware),
// or licensing.ErrDeviceNotFound.
func (s *Store) FindActiveDevice(ctx context.Context, customerID, hwHash string) (*Device, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, hw_hash, label, status, first_seen, last_seen
		FROM devices WHERE customer_id = ? AND hw_hash = ? AND status = ?`,
		customerID, hwHash, string(DeviceActive))
	return scanDevice(row)
}

// GetDeviceByID returns a device regardless of status.
func (s *Store) GetDeviceByID(ctx context.Context, deviceID string) (*Device, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, hw_hash, label, status, first_seen, last_seen
		FROM devices WHERE id = ?`, deviceID)
	return scanDevice(row)
}

// CountActiveDevices returns the number of active bindings for a
// customer.
func (s *Store) CountActiveDevices(ctx context.Context, customerID string) (int, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE customer_id = ? AND status = ?`,
		customerID, string(DeviceActive)).Scan(&n)
	if err != nil {
		return 0, wrapErr("count active devices", err)
	}
	return n, nil
}

// RegisterDevice admits a new hardware binding under the quota. The
// count and insert run in one transaction so two concurrent activations
// cannot both observe count < quota and over-admit; the partial unique
// index on active (customer_id, hw_hash) backstops the same-hardware
// race.
func (s *Store) RegisterDevice(ctx context.Context, dev *Device, quota int) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("register device", err)
	}
	defer tx.Rollback()

	var active int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE customer_id = ? AND status = ?`,
		dev.CustomerID, string(DeviceActive)).Scan(&active); err != nil {
		return wrapErr("register device: count", err)
	}
	if active >= quota {
		return fmt.Errorf("%w: %d of %d device slots used", licensing.ErrQuotaExceeded, active, quota)
	}

	now := s.now().UTC()
	dev.Status = DeviceActive
	dev.FirstSeen = now
	dev.LastSeen = now
	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, customer_id, hw_hash, label, status, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dev.ID, dev.CustomerID, dev.HardwareHash, dev.Label, string(dev.Status),
		dev.FirstSeen.Unix(), dev.LastSeen.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race with a concurrent activation of the same
			// hardware; callers retry via FindActiveDevice.
			return fmt.Errorf("register device: %w", licensing.ErrDeviceNotFound)
		}
		return wrapErr("register device: insert", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("register device: commit", err)
	}
	return nil
}

// RemoveDevice deletes a binding outright. Compensation path for a
// failed token mint immediately after registration; revocation uses
// RevokeDevice instead.
func (s *Store) RemoveDevice(ctx context.Context, deviceID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	return wrapErr("remove device", err)
}

// RevokeDevice flips a binding to revoked, freeing its quota slot. Does
// not invalidate outstanding tokens by itself.
func (s *Store) RevokeDevice(ctx context.Context, customerID, hwHash string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, last_seen = ?
		WHERE customer_id = ? AND hw_hash = ? AND status = ?`,
		string(DeviceRevoked), s.now().Unix(), customerID, hwHash, string(DeviceActive))
	if err != nil {
		return wrapErr("revoke device", err)
	}
	return requireRow(res, licensing.ErrDeviceNotFound)
}

// TouchDevice refreshes a binding's last-seen timestamp.
func (s *Store) TouchDevice(ctx context.Context, deviceID string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ? WHERE id = ?`,
		s.now().Unix(), deviceID)
	return wrapErr("touch device", err)
}

// ListActiveDevices returns a customer's active bindings, most recently
// seen first.
func (s *Store) ListActiveDevices(ctx context.Context, customerID string) ([]*Device, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, hw_hash, label, status, first_seen, last_seen
		FROM devices WHERE customer_id = ? AND status = ?
		ORDER BY last_seen DESC`,
		customerID, string(DeviceActive))
	if err != nil {
		return nil, wrapErr("list active devices", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate devices", err)
	}
	return out, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                   Device
		status              string
		firstSeen, lastSeen int64
	)
	err := row.Scan(&d.ID, &d.CustomerID, &d.HardwareHash, &d.Label, &status, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, licensing.ErrDeviceNotFound
	}
	if err != nil {
		return nil, wrapErr("scan device", err)
	}
	d.Status = DeviceStatus(status)
	d.FirstSeen = time.Unix(firstSeen, 0)
	d.LastSeen = time.Unix(lastSeen, 0)
	return &d, nil
}
