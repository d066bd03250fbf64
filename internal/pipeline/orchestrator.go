// Package pipeline drives a reading batch: capture each configured device,
// recognize the display text, embed it into the artifact, store it, and
// optionally upload. The camera is exclusive, so captures run one after
// another; recognition and storage for a captured device overlap the
// remaining captures.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"meterbox/internal/artifacts"
	"meterbox/internal/camera"
	"meterbox/internal/jpegmeta"
	"meterbox/internal/logging"
	"meterbox/internal/ocr"
	"meterbox/internal/services"
	"meterbox/internal/settings"
)

// Capturer acquires one frame for a device window.
type Capturer interface {
	Capture(ctx context.Context, params camera.Params) (camera.Frame, error)
}

// Recognizer extracts the display text from a frame.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Uploader pushes a stored artifact to the collection server.
type Uploader interface {
	Upload(ctx context.Context, serverURL, filename string, data []byte) error
}

// Options wires an Orchestrator.
type Options struct {
	Settings   *settings.Store
	Camera     Capturer
	Recognizer Recognizer // nil disables recognition regardless of settings
	Uploader   Uploader
	Artifacts  *artifacts.Store
	Quality    int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Orchestrator runs reading batches. One batch at a time.
type Orchestrator struct {
	settings   *settings.Store
	camera     Capturer
	recognizer Recognizer
	uploader   Uploader
	artifacts  *artifacts.Store
	quality    int
	logger     *slog.Logger
	now        func() time.Time

	running sync.Mutex
}

// New builds an Orchestrator from options.
func New(opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		settings:   opts.Settings,
		camera:     opts.Camera,
		recognizer: opts.Recognizer,
		uploader:   opts.Uploader,
		artifacts:  opts.Artifacts,
		quality:    opts.Quality,
		logger:     logging.NewComponentLogger(opts.Logger, "pipeline"),
		now:        now,
	}
}

// Acquire blocks until no batch is in flight and holds off new batches
// until Release. The power controller brackets the whole suspend sequence
// with this pair so a batch is never cut off mid-write.
func (o *Orchestrator) Acquire() { o.running.Lock() }

// Release lifts a previous Acquire.
func (o *Orchestrator) Release() { o.running.Unlock() }

type captured struct {
	key    string
	region settings.DeviceRegion
	image  []byte
}

// RunBatch captures and processes every configured device once. Per-device
// failures are reported in the matching Result; only a settings store
// failure aborts the whole batch.
func (o *Orchestrator) RunBatch(ctx context.Context) ([]Result, error) {
	o.running.Lock()
	defer o.running.Unlock()

	batchID := uuid.NewString()
	log := o.logger.With(logging.String(logging.FieldBatch, batchID))
	started := o.now()

	op, err := o.settings.Operational(ctx)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "run", "load operational settings", err)
	}

	keys := settings.DeviceKeys()
	results := make([]Result, 0, len(keys))
	out := make(chan Result, len(keys))
	launched := 0

	// Captures are sequential because the sensor serves one window at a
	// time; each device's processing starts as soon as its frame is copied
	// so recognition overlaps the remaining captures.
	for _, key := range keys {
		region, err := o.settings.Device(ctx, key)
		if err != nil {
			log.Warn("device settings unreadable, skipping",
				logging.String(logging.FieldDevice, key), logging.Error(err))
			continue
		}

		frame, err := o.camera.Capture(ctx, camera.Params{
			Quality:   o.quality,
			Rect:      region.Rect,
			AGCGain:   op.AGCGain,
			AECValue:  op.AECValue,
			FlashDuty: op.FlashDuty,
		})
		if err != nil {
			log.Warn("capture failed",
				logging.String(logging.FieldDevice, key),
				logging.String(logging.FieldErrorKind, services.Classify(err)),
				logging.Error(err))
			results = append(results, Result{
				DeviceKey: key,
				DeviceID:  region.ID,
				Err:       err,
				ErrorKind: services.Classify(err),
			})
			continue
		}

		// The frame buffer belongs to the driver pool; copy and return it
		// before the next capture.
		image := append([]byte{}, frame.Bytes()...)
		frame.Release()

		item := captured{key: key, region: region, image: image}
		launched++
		go func() {
			out <- o.process(ctx, log, op, item, started)
		}()
	}

	for i := 0; i < launched; i++ {
		results = append(results, <-out)
	}

	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	log.Info("batch complete",
		logging.Int("devices", len(results)),
		logging.Int("stored", ok),
		logging.Duration("elapsed", o.now().Sub(started)))
	return results, nil
}

func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, op settings.Operational, item captured, at time.Time) Result {
	result := Result{DeviceKey: item.key, DeviceID: item.region.ID}

	text := jpegmeta.UnknownText
	if op.OCREnabled && o.recognizer != nil {
		recognized, err := o.recognizer.Recognize(ctx, item.image)
		switch {
		case err == nil:
			text = recognized
		case isRemote(err):
			log.Error("recognition rejected",
				logging.String(logging.FieldDevice, item.key), logging.Error(err))
		default:
			log.Warn("recognition unavailable",
				logging.String(logging.FieldDevice, item.key),
				logging.String(logging.FieldErrorKind, services.Classify(err)),
				logging.Error(err))
		}
	}
	result.Text = text

	embedded, err := jpegmeta.Embed(item.image, jpegmeta.Record{
		DeviceID:   item.region.ID,
		DeviceType: item.region.Type,
		Timestamp:  at.Unix(),
		Text:       text,
	})
	if err != nil {
		result.Err = err
		result.ErrorKind = services.Classify(err)
		return result
	}

	name := artifacts.Name{
		DeviceID:  item.region.ID,
		Timestamp: at.Unix(),
		BootCount: o.settings.BootCount(),
	}
	if err := o.artifacts.Save(name, embedded); err != nil {
		result.Err = err
		result.ErrorKind = services.Classify(err)
		return result
	}
	result.Artifact = name.String()
	log.Info("artifact stored",
		logging.String(logging.FieldDevice, item.key),
		logging.String(logging.FieldArtifact, result.Artifact),
		logging.String("text", text))

	if op.CopyToServer && o.uploader != nil {
		if err := o.uploader.Upload(ctx, op.ServerPath, result.Artifact, embedded); err != nil {
			log.Warn("upload failed",
				logging.String(logging.FieldArtifact, result.Artifact), logging.Error(err))
		} else {
			result.Uploaded = true
		}
	}
	return result
}

func isRemote(err error) bool {
	var remote *ocr.RemoteError
	return errors.As(err, &remote)
}
