package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/prodline/blocktrack/internal/syncer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSyncer counts cycles and fails while err is set.
type fakeSyncer struct {
	mu       sync.Mutex
	err      error
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSyncer) Synchronize(ctx context.Context) (*syncer.CycleResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.peak.Load() {
		f.peak.Store(n)
	}
	f.calls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.CycleResult{SentBlocks: 1}, nil
}

func testConfig(interval, backoffMax time.Duration) *Config {
	return &Config{Interval: interval, BackoffMax: backoffMax}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		syncer  Syncer
		config  *Config
		wantErr bool
	}{
		{name: "defaults", syncer: &fakeSyncer{}, config: nil},
		{name: "custom", syncer: &fakeSyncer{}, config: testConfig(time.Second, time.Minute)},
		{name: "nil syncer", syncer: nil, config: nil, wantErr: true},
		{name: "zero interval", syncer: &fakeSyncer{}, config: testConfig(0, time.Minute), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.syncer, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SyncNever, d.Status().State)
			assert.False(t, d.IsRunning())
		})
	}

	d, err := New(&fakeSyncer{}, testConfig(time.Minute, time.Second))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.config.BackoffMax, "backoff never drops below the interval")
}

func TestNextDelay(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{50, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NextDelay(30*time.Second, 5*time.Minute, tt.failures), "failures=%d", tt.failures)
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	fs := &fakeSyncer{}
	d, err := New(fs, testConfig(5*time.Millisecond, 5*time.Millisecond))
	require.NoError(t, err)

	d.Stop()
	d.Start()
	d.Start()
	assert.True(t, d.IsRunning())

	require.Eventually(t, func() bool { return fs.calls.Load() >= 5 }, 2*time.Second, time.Millisecond)

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())
	assert.Equal(t, int32(1), fs.peak.Load(), "one loop only")

	calls := fs.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, fs.calls.Load(), "no cycle after Stop")

	assert.Equal(t, SyncOK, d.Status().State)
	require.NotNil(t, d.Status().LastResult)

	d.Start()
	assert.True(t, d.IsRunning(), "a stopped daemon can be restarted")
	d.Stop()
}

func TestSyncNowReportsStatus(t *testing.T) {
	fs := &fakeSyncer{}
	d, err := New(fs, testConfig(time.Second, time.Minute))
	require.NoError(t, err)

	boom := &syncer.TransportError{URL: "http://peer/sync", Err: errors.New("connection refused")}
	fs.setErr(boom)

	st, err := d.SyncNow(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, SyncError, st.State)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 2*time.Second, st.NextDelay)
	assert.True(t, st.LastSuccess.IsZero())

	fs.setErr(nil)
	st, err = d.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncOK, st.State)
	assert.Empty(t, st.LastError)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, time.Second, st.NextDelay)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestPeriodicFailuresBackOff(t *testing.T) {
	fs := &fakeSyncer{}
	fs.setErr(errors.New("peer down"))

	d, err := New(fs, testConfig(2*time.Millisecond, 16*time.Millisecond))
	require.NoError(t, err)

	d.Start()
	defer d.Stop()

	require.Eventually(t, func() bool {
		return d.Status().ConsecutiveFailures >= 4
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 16*time.Millisecond, d.Status().NextDelay)
	assert.Equal(t, SyncError, d.Status().State)
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := &fakeSyncer{}
	d, err := New(fs, testConfig(time.Millisecond, time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx, nil) }()

	require.Eventually(t, func() bool { return fs.calls.Load() > 0 }, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.IsRunning())
}
