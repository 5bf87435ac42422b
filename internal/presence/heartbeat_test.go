package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/marketplace-sync/pkg/clock"
	"github.com/capitalize-ai/marketplace-sync/pkg/logger"
)

type fakeAPI struct {
	mu       sync.Mutex
	beats    int
	offline  int
	failures []error
}

func (f *fakeAPI) Heartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beats++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return err
	}
	return nil
}

func (f *fakeAPI) MarkOffline() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline++
}

func (f *fakeAPI) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.beats, f.offline
}

func newHeartbeat(t *testing.T, api *fakeAPI, opts Options) (*Heartbeat, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New("buyer-1", api, clk, logger.NewNop(), opts), clk
}

func TestStartBeatsImmediatelyThenOnInterval(t *testing.T) {
	api := &fakeAPI{}
	h, clk := newHeartbeat(t, api, Options{Enabled: true, Interval: 30 * time.Second})

	h.Start(context.Background())
	beats, _ := api.counts()
	assert.Equal(t, 1, beats)
	assert.True(t, h.Record().IsOnline)

	clk.Advance(29 * time.Second)
	beats, _ = api.counts()
	assert.Equal(t, 1, beats)

	clk.Advance(time.Second)
	beats, _ = api.counts()
	assert.Equal(t, 2, beats)

	clk.Advance(30 * time.Second)
	beats, _ = api.counts()
	assert.Equal(t, 3, beats)
}

func TestDisabledNeverBeats(t *testing.T) {
	api := &fakeAPI{}
	h, clk := newHeartbeat(t, api, Options{Enabled: false})

	h.Start(context.Background())
	clk.Advance(time.Hour)
	beats, _ := api.counts()
	assert.Zero(t, beats)
}

func TestFailureIsRecordedAndIntervalContinues(t *testing.T) {
	boom := errors.New("offline")
	api := &fakeAPI{failures: []error{boom}}
	h, clk := newHeartbeat(t, api, Options{Enabled: true, Interval: 10 * time.Second})

	h.Start(context.Background())
	assert.ErrorIs(t, h.LastError(), boom)
	assert.False(t, h.Record().IsOnline)

	clk.Advance(10 * time.Second)
	assert.NoError(t, h.LastError())
	assert.True(t, h.Record().IsOnline)
	assert.Equal(t, clk.Now(), h.Record().LastSeenAt)
}

func TestBecomingVisibleSendsExtraBeat(t *testing.T) {
	api := &fakeAPI{}
	h, clk := newHeartbeat(t, api, Options{Enabled: true, Interval: 30 * time.Second})
	h.Start(context.Background())

	h.SetVisible(false)
	clk.Advance(5 * time.Second)
	h.SetVisible(true)
	beats, _ := api.counts()
	assert.Equal(t, 2, beats)

	// The interval is not reset by the extra beat.
	clk.Advance(25 * time.Second)
	beats, _ = api.counts()
	assert.Equal(t, 3, beats)

	// Already visible: nothing extra.
	h.SetVisible(true)
	beats, _ = api.counts()
	assert.Equal(t, 3, beats)
}

func TestUnloadSendsBeaconAndStops(t *testing.T) {
	api := &fakeAPI{}
	h, clk := newHeartbeat(t, api, Options{Enabled: true, Interval: 30 * time.Second})
	h.Start(context.Background())

	h.Unload()
	_, offline := api.counts()
	assert.Equal(t, 1, offline)
	assert.False(t, h.Record().IsOnline)

	clk.Advance(time.Minute)
	beats, _ := api.counts()
	require.Equal(t, 1, beats)
	assert.Zero(t, clk.Pending())
}
