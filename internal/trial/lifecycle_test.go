package trial

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aiprivatesearch/licensord/internal/licensing"
	"github.com/aiprivatesearch/licensord/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentNotification struct {
	address  string
	template string
	params   map[string]string
}

type recordingNotifier struct {
	mu    sync.Mutex
	fail  bool
	sends []sentNotification
}

func (n *recordingNotifier) Send(_ context.Context, address, templateID string, params map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, sentNotification{address, templateID, params})
	if n.fail {
		return errors.New("smtp unreachable")
	}
	return nil
}

func (n *recordingNotifier) sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentNotification, len(n.sends))
	copy(out, n.sends)
	return out
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *store.Store, *recordingNotifier) {
	t.Helper()
	s, err := store.Open(store.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &recordingNotifier{}
	return NewLifecycle(s, notifier), s, notifier
}

// createTrialExpiring inserts a trial customer whose expiry lands at the
// given instant by backdating the creation clock.
func createTrialExpiring(t *testing.T, s *store.Store, email string, expiresAt time.Time) *store.Customer {
	t.Helper()
	s.SetClock(func() time.Time { return expiresAt.Add(-store.TrialDuration) })
	c, err := s.CreateCustomer(context.Background(), email)
	require.NoError(t, err)
	s.SetClock(time.Now)
	return c
}

func TestAdvanceExpirationsOpensGracePeriod(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	ctx := context.Background()
	base := time.Now()

	expired := createTrialExpiring(t, s, "done@example.com", base.Add(-time.Hour))
	createTrialExpiring(t, s, "running@example.com", base.Add(24*time.Hour))

	lc.SetClock(func() time.Time { return base })
	n, err := lc.AdvanceExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCustomerByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusExpired, got.LicenseStatus)
	require.NotNil(t, got.GracePeriodEnds)
	assert.Equal(t, base.Add(GracePeriod).Unix(), got.GracePeriodEnds.Unix())

	sends := notifier.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, "done@example.com", sends[0].address)
	assert.Equal(t, TemplateGracePeriod, sends[0].template)
	assert.NotEmpty(t, sends[0].params["grace_period_ends"])
}

func TestAdvanceExpirationsIdempotent(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	ctx := context.Background()
	base := time.Now()

	createTrialExpiring(t, s, "done@example.com", base.Add(-time.Hour))
	lc.SetClock(func() time.Time { return base })

	n, err := lc.AdvanceExpirations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Second run finds no trial rows past expiry and sends nothing.
	n, err = lc.AdvanceExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, notifier.sent(), 1)
}

func TestNotifierFailureDoesNotRollBackTransition(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	notifier.fail = true
	ctx := context.Background()
	base := time.Now()

	c := createTrialExpiring(t, s, "done@example.com", base.Add(-time.Hour))
	lc.SetClock(func() time.Time { return base })

	n, err := lc.AdvanceExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCustomerByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusExpired, got.LicenseStatus)
}

func TestSuspendLapsed(t *testing.T) {
	lc, s, _ := newTestLifecycle(t)
	ctx := context.Background()
	base := time.Now()

	c := createTrialExpiring(t, s, "done@example.com", base.Add(-time.Hour))

	lc.SetClock(func() time.Time { return base })
	_, err := lc.AdvanceExpirations(ctx)
	require.NoError(t, err)

	// Inside the grace period nothing is suspended yet.
	lc.SetClock(func() time.Time { return base.Add(GracePeriod - time.Hour) })
	n, err := lc.SuspendLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	lc.SetClock(func() time.Time { return base.Add(GracePeriod + time.Hour) })
	n, err = lc.SuspendLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetCustomerByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusSuspended, got.LicenseStatus)

	// Already suspended rows are not picked up again.
	n, err = lc.SuspendLapsed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScanUpcomingExpirationsWarningDays(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	ctx := context.Background()
	base := time.Now()

	createTrialExpiring(t, s, "seven@example.com", base.AddDate(0, 0, 7))
	createTrialExpiring(t, s, "three@example.com", base.AddDate(0, 0, 3))
	createTrialExpiring(t, s, "one@example.com", base.AddDate(0, 0, 1))
	// Five days out is not a warning day.
	createTrialExpiring(t, s, "five@example.com", base.AddDate(0, 0, 5))

	lc.SetClock(func() time.Time { return base })
	n, err := lc.ScanUpcomingExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	byAddress := map[string]sentNotification{}
	for _, sn := range notifier.sent() {
		assert.Equal(t, TemplateExpirationWarning, sn.template)
		byAddress[sn.address] = sn
	}
	require.Len(t, byAddress, 3)
	assert.Equal(t, "7", byAddress["seven@example.com"].params["days_left"])
	assert.Equal(t, "3", byAddress["three@example.com"].params["days_left"])
	assert.Equal(t, "1", byAddress["one@example.com"].params["days_left"])
	assert.NotContains(t, byAddress, "five@example.com")
}

func TestScanUpcomingExpirationsDateOnly(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	ctx := context.Background()
	base := time.Now()

	// Same calendar day seven days out, different time of day. The
	// date-only comparison must still match it.
	target := base.AddDate(0, 0, 7)
	dayStart := time.Date(target.Year(), target.Month(), target.Day(), 0, 30, 0, 0, target.Location())
	createTrialExpiring(t, s, "early@example.com", dayStart)

	lc.SetClock(func() time.Time { return base })
	n, err := lc.ScanUpcomingExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, notifier.sent(), 1)
	assert.Equal(t, "early@example.com", notifier.sent()[0].address)
}

func TestRunOnceWarnsBeforeTransitioning(t *testing.T) {
	lc, s, notifier := newTestLifecycle(t)
	base := time.Now()

	// Expires tomorrow: warned, not expired.
	c := createTrialExpiring(t, s, "soon@example.com", base.AddDate(0, 0, 1))
	lc.SetClock(func() time.Time { return base })

	lc.RunOnce(context.Background())

	got, err := s.GetCustomerByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, licensing.StatusTrial, got.LicenseStatus)

	sends := notifier.sent()
	require.Len(t, sends, 1)
	assert.Equal(t, TemplateExpirationWarning, sends[0].template)
}
