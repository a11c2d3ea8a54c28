package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu        sync.Mutex
	timers    []chan time.Time
	durations []time.Duration
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	f.timers = append(f.timers, ch)
	f.durations = append(f.durations, d)
	return ch
}

func (f *fakeClock) armed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

func (f *fakeClock) fireLast() {
	f.mu.Lock()
	ch := f.timers[len(f.timers)-1]
	f.mu.Unlock()
	ch <- time.Now()
}

func (f *fakeClock) lastDuration() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durations[len(f.durations)-1]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, onTick TickFunc) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{}
	c := New(onTick, discard(), WithAfter(clock.After))
	t.Cleanup(c.Close)
	return c, clock
}

func noop(context.Context) error { return nil }

func always() bool { return true }

func TestController_ArmIsIdempotent(t *testing.T) {
	c, clock := newController(t, noop)

	c.Arm(time.Second, always)
	c.Arm(time.Second, always)
	c.Arm(2*time.Second, always)

	assert.True(t, c.Armed())
	assert.Equal(t, 1, clock.armed())
	assert.Equal(t, time.Second, clock.lastDuration())
}

func TestController_DisarmIsAlwaysSafe(t *testing.T) {
	c, _ := newController(t, noop)

	c.Disarm()
	c.Disarm()
	assert.False(t, c.Armed())

	c.Arm(time.Second, always)
	c.Disarm()
	c.Disarm()
	assert.False(t, c.Armed())
}

func TestController_ReconsiderFollowsConditions(t *testing.T) {
	var active atomic.Bool
	active.Store(true)

	c, clock := newController(t, noop)
	c.Reset(time.Second, active.Load)

	c.Reconsider()
	c.Reconsider()
	assert.True(t, c.Armed())
	assert.Equal(t, 1, clock.armed(), "repeated reconsider must not arm a second timer")

	active.Store(false)
	c.Reconsider()
	assert.False(t, c.Armed(), "a false predicate disarms within one call")

	active.Store(true)
	c.SetVisible(false)
	assert.False(t, c.Armed())
	c.SetVisible(true)
	assert.True(t, c.Armed())

	c.SetEnabled(false)
	assert.False(t, c.Armed())
	c.SetEnabled(true)
	assert.True(t, c.Armed())

	st := c.Status()
	assert.True(t, st.Enabled)
	assert.True(t, st.Visible)
	assert.Equal(t, time.Second, st.Interval)
}

func TestController_ReconsiderWithoutSubject(t *testing.T) {
	c, clock := newController(t, noop)

	c.Reconsider()
	assert.False(t, c.Armed())
	assert.Zero(t, clock.armed())
}

func TestController_TickDisarmsBeforeRefresh(t *testing.T) {
	armedDuringTick := make(chan bool, 1)
	var c *Controller
	c, clock := newController(t, func(context.Context) error {
		armedDuringTick <- c.Armed()
		return nil
	})
	c.Reset(time.Second, always)
	c.Reconsider()

	clock.fireLast()

	select {
	case armed := <-armedDuringTick:
		assert.False(t, armed)
	case <-time.After(time.Second):
		t.Fatal("tick did not run")
	}

	require.Eventually(t, c.Armed, time.Second, 5*time.Millisecond, "re-armed after the refresh settled")
	assert.Equal(t, 2, clock.armed())
}

func TestController_TickFailureKeepsPolling(t *testing.T) {
	var ticks atomic.Int32
	c, clock := newController(t, func(context.Context) error {
		ticks.Add(1)
		return errors.New("connection refused")
	})
	c.Reset(time.Second, always)
	c.Reconsider()

	clock.fireLast()
	require.Eventually(t, func() bool { return ticks.Load() == 1 && c.Armed() }, time.Second, 5*time.Millisecond)

	clock.fireLast()
	require.Eventually(t, func() bool { return ticks.Load() == 2 && c.Armed() }, time.Second, 5*time.Millisecond)
}

func TestController_TickStopsWhenPredicateTurnsFalse(t *testing.T) {
	var active atomic.Bool
	active.Store(true)

	var ticks atomic.Int32
	c, clock := newController(t, func(context.Context) error {
		ticks.Add(1)
		active.Store(false)
		return nil
	})
	c.Reset(time.Second, active.Load)
	c.Reconsider()

	clock.fireLast()
	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, c.Armed, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, clock.armed())
}

func TestController_ResetDuringTickDropsOldSubject(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c, clock := newController(t, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	c.Reset(time.Second, always)
	c.Reconsider()

	clock.fireLast()
	<-started

	c.Reset(time.Second, always)
	close(release)

	assert.Never(t, c.Armed, 50*time.Millisecond, 5*time.Millisecond, "the old tick must not arm the new subject")
	assert.Equal(t, 1, clock.armed())
}

func TestController_DisarmedTimerNeverTicks(t *testing.T) {
	var ticks atomic.Int32
	c, clock := newController(t, func(context.Context) error {
		ticks.Add(1)
		return nil
	})
	c.Arm(time.Second, always)
	c.Disarm()

	clock.fireLast()
	assert.Never(t, func() bool { return ticks.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestController_SetIntervalReschedules(t *testing.T) {
	c, clock := newController(t, noop)
	c.Reset(time.Second, always)
	c.Reconsider()

	c.SetInterval(3 * time.Second)
	assert.True(t, c.Armed())
	assert.Equal(t, 2, clock.armed())
	assert.Equal(t, 3*time.Second, clock.lastDuration())

	c.SetInterval(3 * time.Second)
	assert.Equal(t, 2, clock.armed())
}

func TestController_ManualFlag(t *testing.T) {
	c, _ := newController(t, noop)

	assert.False(t, c.ManualRefresh())
	c.SetManualRefresh(true)
	assert.True(t, c.ManualRefresh())

	c.Reset(time.Second, always)
	assert.False(t, c.ManualRefresh(), "a new subject starts with an automatic refresh")
}

func TestController_CloseIsFinal(t *testing.T) {
	c, clock := newController(t, noop)
	c.Arm(time.Second, always)

	c.Close()
	assert.False(t, c.Armed())

	c.Arm(time.Second, always)
	c.Reconsider()
	assert.False(t, c.Armed())
	assert.Equal(t, 1, clock.armed())
}
