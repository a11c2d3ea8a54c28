// Package poll owns the refresh timer of one monitored entity.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Predicate reports whether the entity's latest data still warrants polling.
type Predicate func() bool

// TickFunc performs one automatic refresh.
type TickFunc func(ctx context.Context) error

type Option func(*Controller)

// WithAfter replaces time.After, for tests.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(c *Controller) { c.after = after }
}

// Status is a point-in-time copy of the controller state.
type Status struct {
	Armed    bool
	Enabled  bool
	Visible  bool
	Interval time.Duration
}

// Controller arms at most one timer at a time. Polling is active iff polling
// is enabled, the owning view is visible and the predicate holds.
//
// Each timer is a one-shot goroutine bound to its own context. A tick disarms
// before it refreshes and the controller re-arms only after the refresh has
// settled, so two automatic refreshes of the same entity never overlap.
type Controller struct {
	onTick TickFunc
	after  func(time.Duration) <-chan time.Time
	logger *slog.Logger

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	mu        sync.Mutex
	enabled   bool
	visible   bool
	interval  time.Duration
	predicate Predicate
	cancel    context.CancelFunc // non-nil iff armed
	epoch     uint64             // bumped whenever the subject is replaced
	manual    bool
	closed    bool
}

func New(onTick TickFunc, logger *slog.Logger, opts ...Option) *Controller {
	base, stop := context.WithCancel(context.Background())
	c := &Controller{
		onTick:   onTick,
		after:    time.After,
		logger:   logger,
		base:     base,
		stopBase: stop,
		enabled:  true,
		visible:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Arm starts the timer. It is a no-op while already armed.
func (c *Controller) Arm(interval time.Duration, predicate Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil || c.closed {
		return
	}
	c.interval = interval
	c.predicate = predicate
	c.start()
}

// Disarm stops the pending tick, if any. A refresh already in flight is not
// interrupted.
func (c *Controller) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarm()
}

// Reset disarms and installs the subject of a new target. Late ticks of the
// old subject do not re-arm the controller.
func (c *Controller) Reset(interval time.Duration, predicate Predicate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.disarm()
	c.epoch++
	c.interval = interval
	c.predicate = predicate
	c.manual = false
}

// Reconsider arms or disarms according to the current conditions.
func (c *Controller) Reconsider() {
	c.mu.Lock()
	epoch := c.epoch
	predicate := c.predicate
	gated := c.closed || !c.enabled || !c.visible || predicate == nil || c.interval <= 0
	c.mu.Unlock()

	// The predicate reads the owner's state, which may be locked by a caller
	// waiting on c.mu, so it runs unlocked.
	active := !gated && predicate()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return
	}
	if !active {
		if c.cancel != nil {
			c.logger.Debug("polling stopped")
		}
		c.disarm()
		return
	}
	if c.cancel == nil && !c.closed {
		c.start()
	}
}

func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	c.visible = visible
	c.mu.Unlock()
	c.Reconsider()
}

func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
	c.Reconsider()
}

// SetInterval changes the interval. A pending tick is rescheduled.
func (c *Controller) SetInterval(interval time.Duration) {
	c.mu.Lock()
	changed := c.interval != interval
	c.interval = interval
	if changed {
		c.disarm()
	}
	c.mu.Unlock()
	c.Reconsider()
}

// SetManualRefresh flags the refresh in flight as user-initiated.
func (c *Controller) SetManualRefresh(manual bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = manual
}

// ManualRefresh reports whether the refresh in flight was requested by the user.
func (c *Controller) ManualRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manual
}

func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Armed:    c.cancel != nil,
		Enabled:  c.enabled,
		Visible:  c.visible,
		Interval: c.interval,
	}
}

// Close disarms for good and waits for a tick in progress to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.disarm()
	c.mu.Unlock()

	c.stopBase()
	c.wg.Wait()
}

// start arms a one-shot timer. c.mu must be held and the controller disarmed.
func (c *Controller) start() {
	timerCtx, cancel := context.WithCancel(c.base)
	c.cancel = cancel
	epoch := c.epoch
	fire := c.after(c.interval)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		select {
		case <-timerCtx.Done():
			return
		case <-fire:
		}

		c.mu.Lock()
		if timerCtx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.cancel = nil
		c.mu.Unlock()

		c.tick(epoch)
	}()
}

func (c *Controller) tick(epoch uint64) {
	if err := c.onTick(c.base); err != nil {
		c.logger.Warn("automatic refresh failed", "error", err)
	}

	c.mu.Lock()
	stale := c.epoch != epoch
	c.mu.Unlock()
	if stale {
		return
	}
	c.Reconsider()
}

func (c *Controller) disarm() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
}
