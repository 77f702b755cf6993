// Package trial advances the temporal lifecycle of trial licenses
// (trial, expired, grace period, suspended) and emits the notification
// requests that accompany each transition.
package trial

import (
	"context"
	"strconv"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/metrics"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/rs/zerolog/log"
)

// GracePeriod is the window after trial expiry during which renewal is
// still possible before suspension.
const GracePeriod = 7 * 24 * time.Hour

// warningDays are the exact day offsets before expiry at which a
// warning notification is sent. Date-equality keeps re-runs idempotent
// per calendar day.
var warningDays = []int{7, 3, 1}

// Notification template identifiers passed to the email collaborator.
const (
	TemplateExpirationWarning = "trial_expiration_warning"
	TemplateGracePeriod       = "trial_grace_period"
)

// Notifier is the outbound email collaborator. Sends are fire-and-
// forget: a failure must never roll back a lifecycle transition.
type Notifier interface {
	Send(ctx context.Context, address, templateID string, params map[string]string) error
}

// CustomerStore is the persistence needed by the lifecycle scans.
type CustomerStore interface {
	ExpiredTrials(ctx context.Context, now time.Time) ([]*store.Customer, error)
	LapsedGracePeriods(ctx context.Context, now time.Time) ([]*store.Customer, error)
	TrialsExpiringOn(ctx context.Context, day time.Time) ([]*store.Customer, error)
	MarkTrialExpired(ctx context.Context, customerID string, graceEnds time.Time) (bool, error)
	MarkSuspended(ctx context.Context, customerID string) (bool, error)
}

// Lifecycle runs the trial state machine scans.
type Lifecycle struct {
	customers CustomerStore
	notifier  Notifier
	now       func() time.Time
}

// NewLifecycle creates the trial lifecycle over the given store and
// notifier.
func NewLifecycle(customers CustomerStore, notifier Notifier) *Lifecycle {
	return &Lifecycle{
		customers: customers,
		notifier:  notifier,
		now:       time.Now,
	}
}

// SetClock overrides the lifecycle clock. Tests only.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
}

// AdvanceExpirations transitions trial customers whose expiry has passed
// to expired, opens their grace period, and emits a grace-period
// notification per customer. Safe to re-run: the status guard makes the
// transition a no-op the second time.
func (l *Lifecycle) AdvanceExpirations(ctx context.Context) (int, error) {
	now := l.now()
	expired, err := l.customers.ExpiredTrials(ctx, now)
	if err != nil {
		return 0, err
	}

	transitioned := 0
	for _, c := range expired {
		graceEnds := now.Add(GracePeriod)
		changed, err := l.customers.MarkTrialExpired(ctx, c.ID, graceEnds)
		if err != nil {
			log.Error().Err(err).Str("customer", c.ID).Msg("failed to expire trial")
			continue
		}
		if !changed {
			continue
		}
		transitioned++
		metrics.TrialTransitionsTotal.WithLabelValues(string(licensing.StatusExpired)).Inc()
		log.Info().Str("customer", c.ID).Time("graceEnds", graceEnds).Msg("trial expired, grace period opened")

		l.notify(ctx, c.Email, TemplateGracePeriod, map[string]string{
			"grace_period_ends": graceEnds.Format("January 2, 2006"),
		})
	}
	return transitioned, nil
}

// SuspendLapsed transitions expired customers whose grace period has
// ended to suspended. Validation then refuses new activations and
// refreshes for them.
func (l *Lifecycle) SuspendLapsed(ctx context.Context) (int, error) {
	lapsed, err := l.customers.LapsedGracePeriods(ctx, l.now())
	if err != nil {
		return 0, err
	}

	suspended := 0
	for _, c := range lapsed {
		changed, err := l.customers.MarkSuspended(ctx, c.ID)
		if err != nil {
			log.Error().Err(err).Str("customer", c.ID).Msg("failed to suspend lapsed customer")
			continue
		}
		if changed {
			suspended++
			metrics.TrialTransitionsTotal.WithLabelValues(string(licensing.StatusSuspended)).Inc()
			log.Info().Str("customer", c.ID).Msg("grace period lapsed, customer suspended")
		}
	}
	return suspended, nil
}

// ScanUpcomingExpirations emits a warning notification for trial
// customers whose expiry is exactly 7, 3 or 1 days away. The comparison
// is date-only, so each customer matches a given warning day at most
// once regardless of how often the scan runs that day.
func (l *Lifecycle) ScanUpcomingExpirations(ctx context.Context) (int, error) {
	now := l.now()
	warned := 0
	for _, days := range warningDays {
		day := now.AddDate(0, 0, days)
		expiring, err := l.customers.TrialsExpiringOn(ctx, day)
		if err != nil {
			return warned, err
		}
		for _, c := range expiring {
			params := map[string]string{
				"days_left": strconv.Itoa(days),
			}
			if c.ExpiresAt != nil {
				params["expires_at"] = c.ExpiresAt.Format("January 2, 2006")
			}
			l.notify(ctx, c.Email, TemplateExpirationWarning, params)
			warned++
		}
	}
	return warned, nil
}

// RunOnce executes a full daily cycle: warnings, expirations, then
// suspensions.
func (l *Lifecycle) RunOnce(ctx context.Context) {
	if n, err := l.ScanUpcomingExpirations(ctx); err != nil {
		log.Error().Err(err).Msg("upcoming-expiration scan failed")
	} else if n > 0 {
		log.Info().Int("notified", n).Msg("trial expiration warnings sent")
	}

	if n, err := l.AdvanceExpirations(ctx); err != nil {
		log.Error().Err(err).Msg("trial expiration scan failed")
	} else if n > 0 {
		log.Info().Int("expired", n).Msg("trials transitioned to expired")
	}

	if n, err := l.SuspendLapsed(ctx); err != nil {
		log.Error().Err(err).Msg("grace-period suspension scan failed")
	} else if n > 0 {
		log.Info().Int("suspended", n).Msg("lapsed customers suspended")
	}
}

func (l *Lifecycle) notify(ctx context.Context, address, templateID string, params map[string]string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Send(ctx, address, templateID, params); err != nil {
		// Fire and forget: the state transition stands even when the
		// email does not go out.
		log.Warn().Err(err).Str("template", templateID).Msg("trial notification failed")
	}
}
