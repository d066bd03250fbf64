// Package timesync establishes a usable wall clock after boot. The
// appliance has no battery-backed RTC: without a network sync the clock
// restarts from zero, so the wake time persisted before suspend is the
// fallback.
package timesync

import (
	"context"
	"log/slog"
	"time"

	"meterbox/internal/logging"
	"meterbox/internal/settings"
)

// Syncer obtains the current time from an external source.
type Syncer interface {
	Sync(ctx context.Context) (time.Time, error)
}

// Source labels where the established clock came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceSaved   Source = "saved"
	SourceSystem  Source = "system"
)

// Establish returns the best available wall clock: the syncer's time when it
// answers, otherwise the wake clock saved before the last suspend,
// otherwise the unsynchronized system clock.
func Establish(ctx context.Context, syncer Syncer, store *settings.Store, logger *slog.Logger) (time.Time, Source) {
	log := logging.NewComponentLogger(logger, "timesync")

	if syncer != nil {
		now, err := syncer.Sync(ctx)
		if err == nil {
			return now, SourceNetwork
		}
		log.Warn("network time sync failed", logging.Error(err))
	}

	saved, ok, err := store.SavedWakeClock(ctx)
	if err != nil {
		log.Warn("saved clock unavailable", logging.Error(err))
	} else if ok {
		return saved, SourceSaved
	}

	return time.Now(), SourceSystem
}
