package settings

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	keyOperational = "operational"
	keyBootCount   = "boot_count"
	keySavedClock  = "saved_time"
)

// Store persists device regions, operational settings, the boot counter, and
// the saved wake clock in a single SQLite key-value table. Every update is
// committed all-or-nothing.
type Store struct {
	db        *sql.DB
	path      string
	bootCount int64
}

// Open initializes or connects to the settings database. Each successful
// open counts as one boot and increments the boot counter.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure settings directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	ctx := context.Background()
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.incrementBootCount(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to reset)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) incrementBootCount(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin boot count tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	var count int64
	err = tx.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", keyBootCount).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		count = 0
	case err != nil:
		return fmt.Errorf("read boot count: %w", err)
	default:
		if count, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("parse boot count %q: %w", raw, err)
		}
	}

	count++
	if err := upsert(ctx, tx, keyBootCount, strconv.FormatInt(count, 10)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit boot count: %w", err)
	}
	s.bootCount = count
	return nil
}

// BootCount returns the counter value recorded for this boot.
func (s *Store) BootCount() int64 { return s.bootCount }

// Device returns the region stored for a device slot. A slot that has never
// been written returns its factory default.
func (s *Store) Device(ctx context.Context, key string) (DeviceRegion, error) {
	if !ValidKey(key) {
		return DeviceRegion{}, fmt.Errorf("unknown device slot %q", key)
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultRegion(key), nil
	}
	if err != nil {
		return DeviceRegion{}, fmt.Errorf("read device %s: %w", key, err)
	}

	var region DeviceRegion
	if err := json.Unmarshal([]byte(raw), &region); err != nil {
		return DeviceRegion{}, fmt.Errorf("decode device %s: %w", key, err)
	}
	return region, nil
}

// SetDevice validates and stores the region for a device slot. A validation
// failure leaves the stored value untouched.
func (s *Store) SetDevice(ctx context.Context, key string, region DeviceRegion) error {
	if !ValidKey(key) {
		return fmt.Errorf("unknown device slot %q", key)
	}
	if err := region.Validate(); err != nil {
		return err
	}

	encoded, err := json.Marshal(region)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", key, err)
	}
	return s.write(ctx, key, string(encoded))
}

// Operational returns the shared runtime settings, factory defaults when
// nothing has been written yet.
func (s *Store) Operational(ctx context.Context) (Operational, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", keyOperational).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultOperational(), nil
	}
	if err != nil {
		return Operational{}, fmt.Errorf("read operational settings: %w", err)
	}

	var op Operational
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		return Operational{}, fmt.Errorf("decode operational settings: %w", err)
	}
	return op, nil
}

// SetOperational validates and stores the shared runtime settings. A
// validation failure leaves the stored value untouched.
func (s *Store) SetOperational(ctx context.Context, op Operational) error {
	if err := op.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operational settings: %w", err)
	}
	return s.write(ctx, keyOperational, string(encoded))
}

// SaveWakeClock persists the expected wall clock at the next wake. It is
// written before suspend so the clock can be restored on a boot without
// time sync.
func (s *Store) SaveWakeClock(ctx context.Context, at time.Time) error {
	return s.write(ctx, keySavedClock, strconv.FormatInt(at.UTC().Unix(), 10))
}

// SavedWakeClock returns the persisted wake clock, ok=false when none was
// ever saved.
func (s *Store) SavedWakeClock(ctx context.Context) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", keySavedClock).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read saved clock: %w", err)
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse saved clock %q: %w", raw, err)
	}
	return time.Unix(seconds, 0).UTC(), true, nil
}

func (s *Store) write(ctx context.Context, key, value string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsert(ctx, tx, key, value); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings write: %w", err)
	}
	return nil
}

func upsert(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}
