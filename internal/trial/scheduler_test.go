package trial

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hookedStore is an empty CustomerStore whose first scan can be parked
// on a channel, so a second tick can be raced against one in flight.
type hookedStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (h *hookedStore) TrialsExpiringOn(ctx context.Context, day time.Time) ([]*store.Customer, error) {
	if h.entered != nil {
		h.once.Do(func() {
			close(h.entered)
			<-h.release
		})
	}
	return nil, nil
}

func (h *hookedStore) ExpiredTrials(ctx context.Context, now time.Time) ([]*store.Customer, error) {
	return nil, nil
}

func (h *hookedStore) LapsedGracePeriods(ctx context.Context, now time.Time) ([]*store.Customer, error) {
	return nil, nil
}

func (h *hookedStore) MarkTrialExpired(ctx context.Context, customerID string, graceEnds time.Time) (bool, error) {
	return false, nil
}

func (h *hookedStore) MarkSuspended(ctx context.Context, customerID string) (bool, error) {
	return false, nil
}

func TestTickSkipsWhenAlreadyRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	lc := NewLifecycle(&hookedStore{entered: entered, release: release}, nil)
	sched := NewScheduler(lc)

	done := make(chan bool, 1)
	go func() {
		done <- sched.TickOnce(context.Background())
	}()

	// Wait until the first tick is inside its scan, then race a second.
	<-entered
	assert.False(t, sched.TickOnce(context.Background()), "overlapping tick must be skipped")
	close(release)

	require.True(t, <-done, "first tick must complete")

	// With the first tick finished the guard is clear again.
	assert.True(t, sched.TickOnce(context.Background()))
}

func TestUntilNextMidnight(t *testing.T) {
	sched := NewScheduler(NewLifecycle(&hookedStore{}, nil))

	now := time.Date(2026, 3, 10, 22, 15, 0, 0, time.Local)
	sched.now = func() time.Time { return now }

	d := sched.untilNextMidnight()
	assert.Equal(t, 1*time.Hour+45*time.Minute, d)

	next := now.Add(d)
	assert.Equal(t, 0, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.Equal(t, 11, next.Day())
}
