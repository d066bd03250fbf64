// Package power suspends the appliance after a window of API inactivity.
// Every request rearms the timer; expiry hands the hardware to the wake
// timer and suspends, provided sleep is enabled in the device settings.
package power

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"meterbox/internal/logging"
	"meterbox/internal/settings"
)

// State describes the controller's lifecycle phase.
type State string

const (
	StateActive     State = "active"
	StateSuspending State = "suspending"
	StateStopped    State = "stopped"
)

// Suspender is the platform suspend interface.
type Suspender interface {
	ArmWakeTimer(d time.Duration) error
	Suspend() error
}

// Gate serializes suspend against in-flight work. The controller holds it
// for the whole suspend sequence so no new work can start once the hardware
// handoff has begun.
type Gate interface {
	Acquire()
	Release()
}

// Options wires a Controller.
type Options struct {
	Settings  *settings.Store
	Suspender Suspender
	Gate      Gate
	// Teardown releases process resources before suspend. It must be safe
	// to call more than once.
	Teardown func()
	// OnWake runs after the hardware returns from suspend. Resources are
	// already torn down at that point, so the usual wiring exits the
	// process and lets the supervisor start a fresh boot cycle.
	OnWake  func()
	Timeout time.Duration
	Logger  *slog.Logger
	Now     func() time.Time
	Sync    func() // filesystem flush before suspend
}

// Controller owns the inactivity timer.
type Controller struct {
	store     *settings.Store
	suspender Suspender
	gate      Gate
	teardown  func()
	onWake    func()
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	sync      func()

	mu      sync.Mutex
	timer   *time.Timer
	state   State
	started bool
}

// NewController builds a Controller. Start arms it.
func NewController(opts Options) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	syncFn := opts.Sync
	if syncFn == nil {
		syncFn = unix.Sync
	}
	teardown := opts.Teardown
	if teardown == nil {
		teardown = func() {}
	}
	onWake := opts.OnWake
	if onWake == nil {
		onWake = func() {}
	}
	return &Controller{
		store:     opts.Settings,
		suspender: opts.Suspender,
		gate:      opts.Gate,
		teardown:  teardown,
		onWake:    onWake,
		timeout:   opts.Timeout,
		logger:    logging.NewComponentLogger(opts.Logger, "power"),
		now:       now,
		sync:      syncFn,
		state:     StateActive,
	}
}

// Start arms the inactivity timer.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.timer = time.AfterFunc(c.timeout, c.expire)
	c.logger.Info("inactivity timer armed", logging.Duration("timeout", c.timeout))
}

// Stop cancels the timer. Used during orderly shutdown.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.started = false
	c.state = StateStopped
}

// Touch records activity and rearms the timer. Safe from any goroutine.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.state != StateActive {
		return
	}
	c.timer.Reset(c.timeout)
}

// State returns the current lifecycle phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) expire() {
	c.mu.Lock()
	if !c.started || c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateSuspending
	c.mu.Unlock()

	// Hold the gate for the entire handoff: a batch that slips in after an
	// idle check would be cut off by the hardware suspend.
	if c.gate != nil {
		c.gate.Acquire()
	}
	release := func() {
		if c.gate != nil {
			c.gate.Release()
		}
	}

	op, err := c.store.Operational(context.Background())
	if err != nil {
		c.logger.Error("settings unreadable at suspend, staying active", logging.Error(err))
		release()
		c.rearm()
		return
	}
	if !op.SleepEnabled {
		c.logger.Info("inactivity window elapsed but sleep is disabled")
		release()
		c.rearm()
		return
	}

	sleep := time.Duration(op.SleepSeconds) * time.Second
	wake := c.now().Add(sleep)
	if err := c.store.SaveWakeClock(context.Background(), wake); err != nil {
		c.logger.Error("wake clock not persisted, staying active", logging.Error(err))
		release()
		c.rearm()
		return
	}
	if err := c.suspender.ArmWakeTimer(sleep); err != nil {
		c.logger.Error("wake timer unavailable, staying active", logging.Error(err))
		release()
		c.rearm()
		return
	}

	c.logger.Info("suspending",
		logging.Duration("sleep", sleep),
		logging.String("wake_at", wake.UTC().Format(time.RFC3339)))
	c.teardown()
	c.sync()

	if err := c.suspender.Suspend(); err != nil {
		// The platform refused; resources are already torn down, so all we
		// can do is report and stay up until the operator intervenes.
		c.logger.Error("suspend failed", logging.Error(err))
		release()
		c.rearm()
		return
	}

	// Suspend-to-RAM returns here after the RTC wake. The process resources
	// are gone, so hand control back for a fresh boot cycle.
	c.logger.Info("woke from suspend")
	release()
	c.mu.Lock()
	c.started = false
	c.state = StateStopped
	c.mu.Unlock()
	c.onWake()
}

func (c *Controller) rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.state = StateActive
	c.timer.Reset(c.timeout)
}
