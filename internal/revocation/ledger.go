// Package revocation maintains the deny-list of token hashes that must
// never validate again, independent of token expiry.
package revocation

import (
	"context"
	"time"
)

// DefaultReason is recorded when a caller gives no revocation reason.
const DefaultReason = "manual revocation"

// LedgerStore is the persistence needed by the ledger.
type LedgerStore interface {
	InsertRevocation(ctx context.Context, tokenHash, customerID, reason string) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
	PruneRevocations(ctx context.Context, olderThan time.Time) (int64, error)
}

// Ledger is the always-consulted token deny-list. Entries are keyed by
// token hash; the token itself is never stored.
type Ledger struct {
	entries LedgerStore
}

// New creates a revocation ledger.
func New(entries LedgerStore) *Ledger {
	return &Ledger{entries: entries}
}

// Revoke adds a token hash to the deny-list. Idempotent: revoking an
// already-revoked token updates the reason.
func (l *Ledger) Revoke(ctx context.Context, tokenHash, customerID, reason string) error {
	if reason == "" {
		reason = DefaultReason
	}
	return l.entries.InsertRevocation(ctx, tokenHash, customerID, reason)
}

// IsRevoked reports whether a token hash is on the deny-list. Checked
// on every validate and refresh before claims are otherwise trusted.
func (l *Ledger) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	return l.entries.IsRevoked(ctx, tokenHash)
}

// Prune drops entries older than the retention cutoff. Optional
// housekeeping; correctness never depends on it.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return l.entries.PruneRevocations(ctx, time.Now().Add(-retention))
}
