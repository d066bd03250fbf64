package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"meterbox/internal/artifacts"
	"meterbox/internal/camera"
	"meterbox/internal/config"
	"meterbox/internal/daemon"
	"meterbox/internal/logging"
	"meterbox/internal/ocr"
	"meterbox/internal/pipeline"
	"meterbox/internal/settings"
	"meterbox/internal/timesync"
	"meterbox/internal/uploader"
)

// buildLogger constructs the primary logger and a broadcaster that mirrors
// records to /api/logs subscribers.
func buildLogger(cfg *config.Config) (*slog.Logger, *logging.Broadcaster, error) {
	base, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Paths:  []string{"stdout", filepath.Join(cfg.Paths.LogDir, "meterboxd.log")},
	})
	if err != nil {
		return nil, nil, err
	}

	broadcaster := logging.NewBroadcaster()
	logger := slog.New(logging.Tee(base.Handler(), broadcaster.Handler(slog.LevelDebug)))
	return logger, broadcaster, nil
}

// bootstrap wires every appliance service. The returned cleanup closes
// resources not owned by the daemon itself.
func bootstrap(cfg *config.Config, logger *slog.Logger, broadcaster *logging.Broadcaster, onWake func()) (*daemon.Daemon, func(), error) {
	store, err := settings.Open(cfg.SettingsDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open settings store: %w", err)
	}

	artifactStore, err := artifacts.NewStore(cfg.Paths.ArtifactDir, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open artifact store: %w", err)
	}

	sensor, flash := newSensor()
	cam := camera.NewService(sensor, flash, logger)

	var recognizer pipeline.Recognizer
	if cfg.OCR.Endpoint != "" {
		recognizer = ocr.NewClient(cfg.OCR.Endpoint, cfg.OCR.ClientKey,
			time.Duration(cfg.OCR.RequestTimeout)*time.Second, logger)
	}

	var syncer timesync.Syncer
	if cfg.Time.SyncURL != "" {
		syncer = timesync.NewHTTPDateSyncer(cfg.Time.SyncURL)
	}

	orch := pipeline.New(pipeline.Options{
		Settings:   store,
		Camera:     cam,
		Recognizer: recognizer,
		Uploader:   uploader.NewClient(time.Duration(cfg.Upload.RequestTimeout)*time.Second, logger),
		Artifacts:  artifactStore,
		Quality:    cfg.Capture.Quality,
		Logger:     logger,
	})

	d, err := daemon.New(daemon.Options{
		Config:       cfg,
		Logger:       logger,
		Broadcaster:  broadcaster,
		Settings:     store,
		Artifacts:    artifactStore,
		Camera:       cam,
		Orchestrator: orch,
		Suspender:    newSuspender(),
		Syncer:       syncer,
		OnWake:       onWake,
	})
	if err != nil {
		_ = cam.Close()
		_ = store.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = store.Close()
	}
	return d, cleanup, nil
}
