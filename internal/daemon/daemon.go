// Package daemon ties the appliance together: single-instance locking,
// resource lifecycle, the boot-time reading batch, the HTTP API, and the
// inactivity-driven suspend path.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"meterbox/internal/artifacts"
	"meterbox/internal/camera"
	"meterbox/internal/config"
	"meterbox/internal/logging"
	"meterbox/internal/pipeline"
	"meterbox/internal/power"
	"meterbox/internal/settings"
	"meterbox/internal/timesync"
)

// Options carries the daemon's collaborators. Settings, Artifacts, Camera,
// and Orchestrator are required; the rest are optional.
type Options struct {
	Config       *config.Config
	Logger       *slog.Logger
	Broadcaster  *logging.Broadcaster
	Settings     *settings.Store
	Artifacts    *artifacts.Store
	Camera       *camera.Service
	Orchestrator *pipeline.Orchestrator
	Suspender    power.Suspender
	Syncer       timesync.Syncer
	// OnWake runs after the hardware returns from suspend. The daemon has
	// already torn down its resources, so the usual wiring exits the
	// process and lets the supervisor start a fresh boot cycle.
	OnWake func()
}

// Daemon coordinates the appliance services and enforces single-instance
// execution.
type Daemon struct {
	cfg          *config.Config
	logger       *slog.Logger
	broadcaster  *logging.Broadcaster
	settings     *settings.Store
	artifacts    *artifacts.Store
	camera       *camera.Service
	orchestrator *pipeline.Orchestrator
	powerCtrl    *power.Controller
	syncer       timesync.Syncer
	clockSource  timesync.Source
	onWake       func()

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running      atomic.Bool
	teardownOnce sync.Once
}

// New constructs a daemon with initialized dependencies.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Settings == nil || opts.Artifacts == nil ||
		opts.Camera == nil || opts.Orchestrator == nil {
		return nil, errors.New("daemon requires config, settings, artifacts, camera, and orchestrator")
	}

	lockPath := opts.Config.LockPath()
	d := &Daemon{
		cfg:          opts.Config,
		logger:       logging.NewComponentLogger(opts.Logger, "daemon"),
		broadcaster:  opts.Broadcaster,
		settings:     opts.Settings,
		artifacts:    opts.Artifacts,
		camera:       opts.Camera,
		orchestrator: opts.Orchestrator,
		lockPath:     lockPath,
		lock:         flock.New(lockPath),
		onWake:       opts.OnWake,
	}

	if opts.Suspender != nil {
		d.powerCtrl = power.NewController(power.Options{
			Settings:  opts.Settings,
			Suspender: opts.Suspender,
			Gate:      opts.Orchestrator,
			Teardown:  d.teardown,
			OnWake:    d.wake,
			Timeout:   time.Duration(opts.Config.Power.InactivityTimeout) * time.Second,
			Logger:    opts.Logger,
		})
	}

	var err error
	d.api, err = newAPIServer(opts.Config, d, opts.Logger)
	if err != nil {
		return nil, err
	}

	d.syncer = opts.Syncer
	return d, nil
}

// Start acquires the daemon lock, establishes the clock, runs the boot
// batch, and brings up the API and the inactivity timer.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another meterbox daemon instance is already running")
	}

	now, source := timesync.Establish(ctx, d.syncer, d.settings, d.logger)
	d.clockSource = source
	d.logger.Info("clock established",
		logging.String("source", string(source)),
		logging.String("time", now.UTC().Format(time.RFC3339)))
	if err := d.settings.SaveWakeClock(ctx, now); err != nil {
		d.logger.Warn("clock checkpoint not persisted", logging.Error(err))
	}

	// One reading batch per wake, before the API opens for business.
	if _, err := d.orchestrator.RunBatch(ctx); err != nil {
		d.logger.Error("boot batch failed", logging.Error(err))
	}

	if d.api != nil {
		if err := d.api.start(ctx); err != nil {
			_ = d.lock.Unlock()
			return err
		}
	}
	if d.powerCtrl != nil {
		d.powerCtrl.Start()
	}

	d.running.Store(true)
	d.logger.Info("meterbox daemon started",
		logging.Int64("boot_count", d.settings.BootCount()),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop tears down resources and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.powerCtrl != nil {
		d.powerCtrl.Stop()
	}
	d.teardown()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("daemon lock release failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("meterbox daemon stopped")
}

// teardown stops the API server and releases the camera. It runs at most
// once whether triggered by Stop or by the suspend path.
func (d *Daemon) teardown() {
	d.teardownOnce.Do(func() {
		if d.api != nil {
			d.api.stop()
		}
		if err := d.camera.Close(); err != nil {
			d.logger.Warn("camera close failed", logging.Error(err))
		}
	})
}

// wake runs after suspend-to-RAM returns. The camera and the API are gone
// by then; the boot batch, clock establishment, and API restart all belong
// to the next process life, so hand back to the host for a restart.
func (d *Daemon) wake() {
	d.logger.Info("woke from suspend, requesting restart")
	if d.onWake != nil {
		d.onWake()
	}
}

// APIAddr returns the bound API address, empty when the API is disabled or
// not started.
func (d *Daemon) APIAddr() string {
	if d.api == nil || d.api.listener == nil {
		return ""
	}
	return d.api.listener.Addr().String()
}

// Touch records API activity with the power controller.
func (d *Daemon) Touch() {
	if d.powerCtrl != nil {
		d.powerCtrl.Touch()
	}
}

// PowerState reports the power controller's phase, "active" when no
// controller is wired.
func (d *Daemon) PowerState() power.State {
	if d.powerCtrl == nil {
		return power.StateActive
	}
	return d.powerCtrl.State()
}
