// Package camera acquires frames from the onboard sensor. One physical
// sensor serves both device regions, so captures are serialized.
package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meterbox/internal/logging"
	"meterbox/internal/services"
	"meterbox/internal/settings"
)

const (
	maxQuality      = 63
	warmupFrames    = 2
	captureAttempts = 2
	flashSettle     = 100 * time.Millisecond
	frameDelay      = 200 * time.Millisecond
)

// Params configures a single capture.
type Params struct {
	Quality   int
	Rect      settings.Rect
	AGCGain   int
	AECValue  int
	FlashDuty int
}

// Frame is a sensor buffer on loan from the driver pool. Callers copy what
// they need and Release promptly; the pool is small.
type Frame interface {
	Bytes() []byte
	Release()
}

// Sensor abstracts the camera driver.
type Sensor interface {
	Configure(params Params) error
	Acquire(ctx context.Context) (Frame, error)
	Close() error
}

// Flash abstracts the illumination LED. Duty 0 turns it off.
type Flash interface {
	Set(duty int) error
}

// Service owns the sensor and flash for the life of the process.
type Service struct {
	mu     sync.Mutex
	sensor Sensor
	flash  Flash
	logger *slog.Logger
	sleep  func(time.Duration)
	closed bool
}

// NewService wires a sensor and flash into a capture service.
func NewService(sensor Sensor, flash Flash, logger *slog.Logger) *Service {
	return &Service{
		sensor: sensor,
		flash:  flash,
		logger: logging.NewComponentLogger(logger, "camera"),
		sleep:  time.Sleep,
	}
}

// ValidateParams checks capture parameters against the sensor's hardware
// constraints. Capture runs this before touching the sensor.
func ValidateParams(params Params) error {
	fail := func(msg string) error {
		return services.Wrap(services.ErrConfiguration, "camera", "validate", msg, nil)
	}
	if params.Quality < 0 || params.Quality > maxQuality {
		return fail(fmt.Sprintf("quality %d outside 0..%d", params.Quality, maxQuality))
	}
	r := params.Rect
	if r.X2 <= r.X1 || r.Y2 <= r.Y1 {
		return fail(fmt.Sprintf("window (%d,%d)-(%d,%d) has no area", r.X1, r.Y1, r.X2, r.Y2))
	}
	if err := r.AlignmentError(); err != nil {
		return fail("window " + err.Error())
	}
	return nil
}

// Capture acquires one frame for the given window. The sensor is only
// touched after parameter validation passes. The flash is always off when
// Capture returns. The caller owns the returned frame and must Release it.
func (s *Service) Capture(ctx context.Context, params Params) (Frame, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, services.Wrap(services.ErrHardware, "camera", "capture", "service closed", nil)
	}

	if err := s.sensor.Configure(params); err != nil {
		return nil, services.Wrap(services.ErrHardware, "camera", "configure", "apply sensor settings", err)
	}

	if err := s.flash.Set(params.FlashDuty); err != nil {
		return nil, services.Wrap(services.ErrHardware, "camera", "flash", "enable flash", err)
	}
	defer func() {
		if err := s.flash.Set(0); err != nil {
			s.logger.Warn("flash off failed", logging.Error(err))
		}
	}()
	s.sleep(flashSettle)

	// The first frames after reconfiguration carry stale exposure. Discard
	// them; a missing warm-up frame is not fatal.
	for i := 0; i < warmupFrames; i++ {
		frame, err := s.sensor.Acquire(ctx)
		if err != nil {
			s.logger.Warn("warm-up frame unavailable", logging.Int(logging.FieldAttempt, i+1), logging.Error(err))
		} else {
			frame.Release()
		}
		s.sleep(frameDelay)
	}

	var lastErr error
	for attempt := 1; attempt <= captureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, services.Wrap(services.ErrHardware, "camera", "capture", "context cancelled", err)
		}
		frame, err := s.sensor.Acquire(ctx)
		if err == nil {
			return frame, nil
		}
		lastErr = err
		s.logger.Warn("frame acquisition failed", logging.Int(logging.FieldAttempt, attempt), logging.Error(err))
		if attempt < captureAttempts {
			s.sleep(frameDelay)
		}
	}
	return nil, services.Wrap(services.ErrHardware, "camera", "capture", "sensor returned no frame", lastErr)
}

// Close releases the sensor. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.flash.Set(0); err != nil {
		s.logger.Warn("flash off failed during close", logging.Error(err))
	}
	return s.sensor.Close()
}
