package maintenance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/crosspost"
	logx "crosspost/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	settings []crosspost.Settings
	resets   int
	before   time.Time
}

func (f *fakeStore) AllSettings(context.Context) ([]crosspost.Settings, error) {
	return append([]crosspost.Settings(nil), f.settings...), nil
}

func (f *fakeStore) ResetPostCounters(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeStore) RequeueStale(_ context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = before
	return 2, nil
}

type fakeSweeper struct{ got []crosspost.Settings }

func (f *fakeSweeper) Sweep(_ context.Context, all []crosspost.Settings) (int, error) {
	f.got = all
	return len(all), nil
}

func TestSweepTokensOnlyEnabled(t *testing.T) {
	t.Parallel()
	st := &fakeStore{settings: []crosspost.Settings{
		{TenantID: "t1", Channel: crosspost.Mastodon, Enabled: true},
		{TenantID: "t2", Channel: crosspost.Facebook},
	}}
	sw := &fakeSweeper{}
	s := New(Config{}, st, sw, logx.Nop())

	res, err := s.SweepTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed=1", res)
	require.Len(t, sw.got, 1)
	assert.Equal(t, "t1", sw.got[0].TenantID)
}

func TestRedriveUsesVisibilityTimeout(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	st := &fakeStore{}
	s := New(Config{VisibilityTimeout: 3 * time.Minute}, st, nil, logx.Nop())
	s.now = func() time.Time { return now }

	res, err := s.RedriveOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "requeued=2", res)
	assert.Equal(t, now.Add(-3*time.Minute), st.before)
}

func TestValidateSpecs(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeStore{}, &fakeSweeper{}, logx.Nop())
	assert.NoError(t, s.Validate(Config{}))
	assert.NoError(t, s.Validate(Config{CounterReset: Disabled, Timezone: "UTC"}))
	assert.Error(t, s.Validate(Config{TokenSweep: "every now and then"}))
	assert.Error(t, s.Validate(Config{Timezone: "Mars/Olympus"}))
}

func TestStartRunsJobsOnSchedule(t *testing.T) {
	st := &fakeStore{}
	s := New(Config{
		Enabled:       true,
		CounterReset:  "@every 1s",
		OutboxRedrive: Disabled,
	}, st, nil, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.resets > 0
	}, 4*time.Second, 50*time.Millisecond)

	h := s.History()
	require.NotEmpty(t, h)
	assert.Equal(t, "counter_reset", h[0].Name)
}

func TestApplyDisableStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, &fakeStore{}, nil, logx.Nop())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Apply(ctx, Config{Enabled: false}))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.c)
}
