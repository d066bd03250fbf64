package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"meterbox/internal/config"
	"meterbox/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, broadcaster, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	// Waking from suspend ends this process life: cancel the run context
	// and exit so the supervisor restarts us into a fresh boot cycle.
	d, cleanup, err := bootstrap(cfg, logger, broadcaster, cancel)
	if err != nil {
		logger.Error("bootstrap failed", logging.Error(err))
		return
	}
	defer cleanup()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start failed", logging.Error(err))
		return
	}
	defer d.Stop()

	<-ctx.Done()
	logger.Info("meterboxd shutting down")
}
