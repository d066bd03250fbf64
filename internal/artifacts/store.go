// Package artifacts keeps captured readings on local flash. Space is tight,
// so the store holds a bounded number of files and evicts the oldest ones.
package artifacts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"meterbox/internal/logging"
	"meterbox/internal/services"
)

// MaxFiles is the retention limit of the artifact directory.
const MaxFiles = 30

// Store is a capacity-bounded artifact directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	max    int
	logger *slog.Logger
}

// NewStore opens (creating if needed) the artifact directory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Store{
		dir:    dir,
		max:    MaxFiles,
		logger: logging.NewComponentLogger(logger, "artifacts"),
	}, nil
}

// Dir returns the artifact directory path.
func (s *Store) Dir() string { return s.dir }

// Save prunes the directory, then writes the artifact under its canonical
// name. The write goes through a temporary file so a partial write never
// leaves a truncated artifact behind.
func (s *Store) Save(name Name, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prune(s.max - 1); err != nil {
		return err
	}

	final := filepath.Join(s.dir, name.String())
	tmp, err := os.CreateTemp(s.dir, ".meterbox-*")
	if err != nil {
		return services.Wrap(services.ErrCapacity, "artifacts", "save", "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	written, err := tmp.Write(data)
	if err == nil && written != len(data) {
		err = fmt.Errorf("short write: %d of %d bytes", written, len(data))
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return services.Wrap(services.ErrCapacity, "artifacts", "save", "write artifact", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		return services.Wrap(services.ErrCapacity, "artifacts", "save", "finalize artifact", err)
	}
	return nil
}

// List returns the stored artifacts, oldest first.
func (s *Store) List() ([]Name, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, _, err := s.scan()
	return names, err
}

// Read returns the contents of a stored artifact.
func (s *Store) Read(filename string) ([]byte, error) {
	if filepath.Base(filename) != filename || strings.Contains(filename, "..") {
		return nil, fmt.Errorf("invalid artifact name %q", filename)
	}
	return os.ReadFile(filepath.Join(s.dir, filename))
}

// Remove deletes a stored artifact by name.
func (s *Store) Remove(filename string) error {
	if filepath.Base(filename) != filename || strings.Contains(filename, "..") {
		return fmt.Errorf("invalid artifact name %q", filename)
	}
	return os.Remove(filepath.Join(s.dir, filename))
}

// scan lists canonical artifacts oldest-first and foreign files separately.
// Caller holds the mutex.
func (s *Store) scan() ([]Name, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read artifact directory: %w", err)
	}

	var names []Name
	var foreign []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), ".meterbox-") {
			// Abandoned temp file from an interrupted write.
			foreign = append(foreign, entry.Name())
			continue
		}
		name, ok := ParseName(entry.Name())
		if !ok {
			foreign = append(foreign, entry.Name())
			continue
		}
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i].Before(names[j]) })
	return names, foreign, nil
}

// prune deletes foreign files and evicts oldest artifacts until at most
// keep remain. Caller holds the mutex.
func (s *Store) prune(keep int) error {
	names, foreign, err := s.scan()
	if err != nil {
		return err
	}

	for _, filename := range foreign {
		if err := os.Remove(filepath.Join(s.dir, filename)); err != nil {
			s.logger.Warn("foreign file removal failed",
				logging.String("file", filename), logging.Error(err))
			continue
		}
		s.logger.Info("foreign file removed", logging.String("file", filename))
	}

	if keep < 0 {
		keep = 0
	}
	for len(names) > keep {
		victim := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(s.dir, victim.String())); err != nil {
			return services.Wrap(services.ErrCapacity, "artifacts", "prune", "evict "+victim.String(), err)
		}
		s.logger.Info("artifact evicted", logging.String(logging.FieldArtifact, victim.String()))
	}
	return nil
}
