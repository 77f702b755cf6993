package trial

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Scheduler runs the lifecycle once per day, anchored to local
// midnight. Overlapping runs are skipped: the scans are idempotent per
// calendar day but not re-entrant with respect to notification
// de-duplication.
type Scheduler struct {
	lifecycle *Lifecycle
	running   atomic.Bool
	now       func() time.Time
}

// NewScheduler creates the daily scheduler for the lifecycle.
func NewScheduler(lifecycle *Lifecycle) *Scheduler {
	return &Scheduler{
		lifecycle: lifecycle,
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, firing one cycle immediately and
// then at every local midnight.
func (s *Scheduler) Run(ctx context.Context) error {
	s.tick(ctx)

	for {
		timer := time.NewTimer(s.untilNextMidnight())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// TickOnce runs a single cycle with the skip-if-running guard. Used by
// the scan subcommand and tests.
func (s *Scheduler) TickOnce(ctx context.Context) bool {
	return s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Msg("trial lifecycle scan already running, skipping")
		return false
	}
	defer s.running.Store(false)

	started := s.now()
	s.lifecycle.RunOnce(ctx)
	log.Debug().Dur("elapsed", s.now().Sub(started)).Msg("trial lifecycle scan complete")
	return true
}

func (s *Scheduler) untilNextMidnight() time.Duration {
	now := s.now()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	return next.Sub(now)
}
