// Package testsupport provides shared constructors for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"meterbox/internal/artifacts"
	"meterbox/internal/config"
	"meterbox/internal/logging"
	"meterbox/internal/settings"
)

// JPEG is a minimal well-formed stand-in image: SOI, filler, EOI.
var JPEG = []byte{0xFF, 0xD8, 0x00, 0x01, 0x02, 0xFF, 0xD9}

// NewConfig returns a validated config rooted in a per-test temp directory.
// The API binds an ephemeral port.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// OpenSettings opens a settings store under the config's data directory and
// closes it when the test finishes.
func OpenSettings(t *testing.T, cfg *config.Config) *settings.Store {
	t.Helper()
	store, err := settings.Open(cfg.SettingsDBPath())
	if err != nil {
		t.Fatalf("open settings store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewArtifactStore opens an artifact store under the config's artifact
// directory.
func NewArtifactStore(t *testing.T, cfg *config.Config) *artifacts.Store {
	t.Helper()
	store, err := artifacts.NewStore(cfg.Paths.ArtifactDir, logging.NewNop())
	if err != nil {
		t.Fatalf("open artifact store: %v", err)
	}
	return store
}
