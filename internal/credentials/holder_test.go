package credentials

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingAssumer returns credentials valid for ttl from the clock
type countingAssumer struct {
	clock *fakeClock
	ttl   time.Duration
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
}

func (a *countingAssumer) AssumeRole(ctx context.Context, roleARN, sessionName string) (Credentials, error) {
	n := a.calls.Add(1)
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	if a.fail.Load() {
		return Credentials{}, errors.New("sts unavailable")
	}
	return Credentials{
		AccessKeyID:     "AKIA" + string(rune('A'+n)),
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expires:         a.clock.Now().Add(a.ttl),
	}, nil
}

func newTestHolder(t *testing.T, assumer Assumer, clock *fakeClock, limit int) *Holder {
	t.Helper()
	return NewHolder(assumer, Options{
		RoleARN:       "arn:aws:iam::111111111111:role/archiver",
		SessionName:   "test",
		FailureLimit:  limit,
		FailureWindow: time.Minute,
		PollInterval:  time.Millisecond,
		Now:           clock.Now,
	}, zap.NewNop())
}

func TestHolder_Seed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)

	require.NoError(t, h.Seed(context.Background()))
	cur := h.Current()
	assert.Equal(t, uint64(1), cur.Generation)
	assert.Equal(t, clock.Now().Add(time.Hour), cur.Expires)
	assert.Equal(t, int64(0), h.Refreshes())

	assumer.fail.Store(true)
	h2 := newTestHolder(t, assumer, clock, 3)
	err := h2.Seed(context.Background())
	assert.ErrorIs(t, err, ErrAssumeRole)
}

func TestHolder_RefreshIfExpired_NotExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)
	require.NoError(t, h.Seed(context.Background()))

	observed := h.Current()
	got, err := h.RefreshIfExpired(context.Background(), observed)
	require.NoError(t, err)
	assert.Equal(t, observed, got)
	assert.Equal(t, int32(1), assumer.calls.Load(), "only the seed call")
}

func TestHolder_RefreshIfExpired_StaleObservation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)

	fresh, err := h.RefreshIfExpired(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Generation)

	// A second caller still holding generation 1 gets generation 2 for free
	again, err := h.RefreshIfExpired(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, fresh, again)
	assert.Equal(t, int32(2), assumer.calls.Load())
	assert.Equal(t, int64(1), h.Refreshes())
}

func TestHolder_RefreshIfExpired_ConcurrentSingleFlight(t *testing.T) {
	const workers = 32

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)
	assumer.gate = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Credentials, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.RefreshIfExpired(context.Background(), stale)
		}(i)
	}

	// Let the refresher finish once everyone is waiting on it
	require.Eventually(t, func() bool { return assumer.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(assumer.gate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(2), results[i].Generation)
	}
	assert.Equal(t, int32(2), assumer.calls.Load(), "seed plus exactly one refresh")
	assert.Equal(t, int64(1), h.Refreshes())
}

func TestHolder_RefreshFailureBudget(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	var outcomes []bool
	h := NewHolder(assumer, Options{
		FailureLimit:  2,
		FailureWindow: time.Minute,
		Now:           clock.Now,
		OnRefresh:     func(ok bool) { outcomes = append(outcomes, ok) },
	}, zap.NewNop())
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)
	assumer.fail.Store(true)

	_, err := h.RefreshIfExpired(context.Background(), stale)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, 1, refreshErr.Failures)
	assert.NotErrorIs(t, err, ErrRefreshExhausted)

	clock.Advance(time.Second)
	_, err = h.RefreshIfExpired(context.Background(), stale)
	assert.ErrorIs(t, err, ErrRefreshExhausted)
	assert.Equal(t, []bool{false, false}, outcomes)
}

func TestHolder_RefreshFailuresAgeOut(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 2)
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)
	assumer.fail.Store(true)

	_, err := h.RefreshIfExpired(context.Background(), stale)
	require.Error(t, err)

	clock.Advance(2 * time.Minute)
	_, err = h.RefreshIfExpired(context.Background(), stale)
	assert.NotErrorIs(t, err, ErrRefreshExhausted, "the first failure left the window")

	assumer.fail.Store(false)
	clock.Advance(time.Second)
	fresh, err := h.RefreshIfExpired(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Generation)
}

func TestHolder_FailedRefreshSharedByWaiters(t *testing.T) {
	const workers = 16

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)
	assumer.fail.Store(true)
	assumer.gate = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.RefreshIfExpired(context.Background(), stale)
		}(i)
	}

	require.Eventually(t, func() bool { return assumer.calls.Load() == 2 }, time.Second, time.Millisecond)
	close(assumer.gate)
	wg.Wait()

	for i := 0; i < workers; i++ {
		var refreshErr *RefreshError
		require.ErrorAs(t, errs[i], &refreshErr)
		assert.Equal(t, 1, refreshErr.Failures)
	}
	assert.Equal(t, int32(2), assumer.calls.Load(), "seed plus exactly one failed refresh")

	// Callers right behind the failed attempt reuse its error
	_, err := h.RefreshIfExpired(context.Background(), stale)
	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, int32(2), assumer.calls.Load())

	// Once the poll interval has passed the next caller tries again
	clock.Advance(time.Second)
	assumer.fail.Store(false)
	fresh, err := h.RefreshIfExpired(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Generation)
	assert.Equal(t, int32(3), assumer.calls.Load())
}

func TestHolder_RefreshWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := NewHolder(assumer, Options{
		RefreshWindow: 5 * time.Minute,
		FailureLimit:  3,
		Now:           clock.Now,
	}, zap.NewNop())
	require.NoError(t, h.Seed(context.Background()))

	clock.Advance(56 * time.Minute)
	fresh, err := h.RefreshIfExpired(context.Background(), h.Current())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Generation)
}

func TestHolder_RefreshIfExpired_ContextCancelledWhilePolling(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	assumer := &countingAssumer{clock: clock, ttl: time.Hour}
	h := newTestHolder(t, assumer, clock, 3)
	require.NoError(t, h.Seed(context.Background()))

	stale := h.Current()
	clock.Advance(2 * time.Hour)

	// Hold the refresh slot so the caller has to poll
	h.refreshMu.Lock()
	defer h.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.RefreshIfExpired(ctx, stale)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCredentials_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := Credentials{Expires: now.Add(time.Minute)}

	assert.False(t, c.Expired(now, 0))
	assert.True(t, c.Expired(now, time.Minute))
	assert.True(t, c.Expired(now.Add(time.Minute), 0))
}
