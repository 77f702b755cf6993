package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ActivationAttempt is the throttling counter for one
// (email, hardware-hash, origin) triple.
type ActivationAttempt struct {
	Email         string
	HardwareHash  string
	Origin        string
	Attempts      int
	WindowStarted time.Time
	LastAttempt   time.Time
	LastSuccess   bool
}

// GetActivationAttempt reads the counter for a triple. Returns nil when
// no attempts have been recorded.
func (s *Store) GetActivationAttempt(ctx context.Context, email, hwHash, origin string) (*ActivationAttempt, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		a                            ActivationAttempt
		windowStart, last, succeeded int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, hw_hash, origin, attempts, window_started_at, last_attempt_at, last_success
		FROM activation_attempts WHERE email = ? AND hw_hash = ? AND origin = ?`,
		email, hwHash, origin).
		Scan(&a.Email, &a.HardwareHash, &a.Origin, &a.Attempts, &windowStart, &last, &succeeded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get activation attempt", err)
	}
	a.WindowStarted = time.Unix(windowStart, 0)
	a.LastAttempt = time.Unix(last, 0)
	a.LastSuccess = succeeded != 0
	return &a, nil
}

// RecordActivationAttempt increments the counter for a triple in a
// single atomic upsert. When the counting window has elapsed the counter
// restarts at 1 with a fresh window; no background sweep is needed.
func (s *Store) RecordActivationAttempt(ctx context.Context, email, hwHash, origin string, success bool, window time.Duration) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	now := s.now().Unix()
	windowSecs := int64(window / time.Second)
	succeeded := 0
	if success {
		succeeded = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activation_attempts (email, hw_hash, origin, attempts, window_started_at, last_attempt_at, last_success)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(email, hw_hash, origin) DO UPDATE SET
			attempts = CASE WHEN excluded.last_attempt_at - activation_attempts.window_started_at >= ?
				THEN 1 ELSE activation_attempts.attempts + 1 END,
			window_started_at = CASE WHEN excluded.last_attempt_at - activation_attempts.window_started_at >= ?
				THEN excluded.window_started_at ELSE activation_attempts.window_started_at END,
			last_attempt_at = excluded.last_attempt_at,
			last_success = excluded.last_success`,
		email, hwHash, origin, now, now, succeeded, windowSecs, windowSecs)
	return wrapErr("record activation attempt", err)
}

// ResetActivationAttempts clears the counter for a triple.
// Administrative operation.
func (s *Store) ResetActivationAttempts(ctx context.Context, email, hwHash, origin string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM activation_attempts WHERE email = ? AND hw_hash = ? AND origin = ?`,
		email, hwHash, origin)
	return wrapErr("reset activation attempts", err)
}
