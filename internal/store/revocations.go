package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Revocation is a write-once deny-list entry keyed by token hash.
type Revocation struct {
	TokenHash  string
	CustomerID string // may be empty when the token's identity is gone
	Reason     string
	RevokedAt  time.Time
}

// InsertRevocation adds a token hash to the deny-list. Revoking an
// already-revoked token updates the reason and is not an error.
func (s *Store) InsertRevocation(ctx context.Context, tokenHash, customerID, reason string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var cust any
	if customerID != "" {
		cust = customerID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revocations (token_hash, customer_id, reason, revoked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET reason = excluded.reason`,
		tokenHash, cust, reason, s.now().Unix())
	return wrapErr("insert revocation", err)
}

// IsRevoked reports whether a token hash is on the deny-list.
func (s *Store) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revocations WHERE token_hash = ?`, tokenHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("is revoked", err)
	}
	return true, nil
}

// PruneRevocations deletes entries older than the cutoff. Housekeeping
// only; correctness never depends on pruning.
func (s *Store) PruneRevocations(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM revocations WHERE revoked_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, wrapErr("prune revocations", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
