// Package throttle bounds activation attempts per
// (email, hardware, origin) triple to blunt credential stuffing and
// device enumeration.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/store"
)

const (
	// DefaultMaxAttempts is the attempt ceiling inside one window.
	DefaultMaxAttempts = 5

	// DefaultWindow is the counting window length.
	DefaultWindow = time.Hour
)

// AttemptStore is the persistence needed by the throttle. Counter
// updates must be atomic so correctness holds across service instances.
type AttemptStore interface {
	GetActivationAttempt(ctx context.Context, email, hwHash, origin string) (*store.ActivationAttempt, error)
	RecordActivationAttempt(ctx context.Context, email, hwHash, origin string, success bool, window time.Duration) error
}

// Throttle is a fixed-window counter keyed by the full triple. Keying by
// the combination rather than email alone keeps one shared IP from
// locking out unrelated customers.
type Throttle struct {
	attempts    AttemptStore
	maxAttempts int
	window      time.Duration
	now         func() time.Time
}

// New creates a throttle with the default limits.
func New(attempts AttemptStore) *Throttle {
	return &Throttle{
		attempts:    attempts,
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
		now:         time.Now,
	}
}

// SetLimits overrides the attempt ceiling and window. Tests and
// administrative tuning only.
func (t *Throttle) SetLimits(maxAttempts int, window time.Duration) {
	t.maxAttempts = maxAttempts
	t.window = window
}

// SetClock overrides the throttle clock. Tests only.
func (t *Throttle) SetClock(now func() time.Time) {
	t.now = now
}

// CheckAllowed fails with ErrRateLimited when the triple has reached the
// attempt ceiling inside the current window. A window whose time has
// elapsed counts as empty; the reset happens lazily on the next record.
func (t *Throttle) CheckAllowed(ctx context.Context, email, hwHash, origin string) error {
	attempt, err := t.attempts.GetActivationAttempt(ctx, email, hwHash, origin)
	if err != nil {
		return err
	}
	if attempt == nil {
		return nil
	}
	if t.now().Sub(attempt.WindowStarted) >= t.window {
		return nil
	}
	if attempt.Attempts >= t.maxAttempts {
		return fmt.Errorf("%w: %d attempts in the last %s", licensing.ErrRateLimited, attempt.Attempts, t.window)
	}
	return nil
}

// Record counts one attempt and its outcome against the triple.
func (t *Throttle) Record(ctx context.Context, email, hwHash, origin string, success bool) error {
	return t.attempts.RecordActivationAttempt(ctx, email, hwHash, origin, success, t.window)
}
