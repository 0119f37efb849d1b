// Package storage manages the per-job directories under the temp root and
// the disk-pressure admission check.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// Manager owns the temp root. One job, one subdirectory.
type Manager struct {
	root      string
	minFreeGB int
	logger    zerolog.Logger
}

// NewManager builds a Manager over root with the given free-space floor.
func NewManager(root string, minFreeGB int, logger zerolog.Logger) *Manager {
	return &Manager{
		root:      root,
		minFreeGB: minFreeGB,
		logger:    logger,
	}
}

// Root returns the temp root path.
func (m *Manager) Root() string {
	return m.root
}

// JobDir returns the absolute path of the job's directory. The id is
// reduced to its base name so a crafted id cannot escape the root.
func (m *Manager) JobDir(jobID string) string {
	return filepath.Join(m.root, filepath.Base(jobID))
}

// CreateJobDir creates the job's directory if it doesn't exist.
func (m *Manager) CreateJobDir(jobID string) (string, error) {
	dir := m.JobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// CleanupJobDir deletes the job's directory and all its contents.
func (m *Manager) CleanupJobDir(jobID string) {
	dir := m.JobDir(jobID)
	if _, err := os.Stat(dir); err != nil {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Error().
			Str("event", "storage.cleanup_failed").
			Str("job_id", jobID).
			Err(err).
			Msg("failed to remove job dir")
		return
	}
	m.logger.Info().
		Str("event", "storage.cleaned_up").
		Str("job_id", jobID).
		Str("path", dir).
		Msg("removed job dir")
}

// DiskFreeGB reports the free space on the volume holding the temp root.
func (m *Manager) DiskFreeGB() (float64, error) {
	path := m.root
	if _, err := os.Stat(path); err != nil {
		path = filepath.Dir(path)
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", path, err)
	}
	return float64(usage.Free) / (1 << 30), nil
}

// CheckDiskSpace reports whether free space is at or above the floor.
// Probe failures count as unhealthy.
func (m *Manager) CheckDiskSpace() bool {
	freeGB, err := m.DiskFreeGB()
	if err != nil {
		m.logger.Error().
			Str("event", "storage.disk_check_failed").
			Err(err).
			Msg("disk usage probe failed")
		return false
	}
	healthy := freeGB >= float64(m.minFreeGB)
	if !healthy {
		m.logger.Warn().
			Str("event", "storage.low_disk_space").
			Float64("available_gb", freeGB).
			Int("threshold_gb", m.minFreeGB).
			Msg("temp root below free-space floor")
	}
	return healthy
}

// BootCleanup purges the immediate children of the temp root. Anything left
// over is an orphan from a previous incarnation of the process.
func (m *Manager) BootCleanup() {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(m.root, 0o755); mkErr != nil {
				m.logger.Error().
					Str("event", "storage.boot_cleanup_failed").
					Err(mkErr).
					Msg("failed to create temp root")
				return
			}
			m.logger.Info().
				Str("event", "storage.temp_dir_created").
				Str("path", m.root).
				Msg("created temp root")
			return
		}
		m.logger.Error().
			Str("event", "storage.boot_cleanup_failed").
			Err(err).
			Msg("failed to read temp root")
		return
	}

	m.logger.Info().
		Str("event", "storage.boot_cleanup_started").
		Str("path", m.root).
		Msg("purging orphaned temp entries")
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			m.logger.Error().
				Str("event", "storage.boot_cleanup_failed").
				Str("entry", entry.Name()).
				Err(err).
				Msg("failed to remove orphan")
		}
	}
	m.logger.Info().
		Str("event", "storage.boot_cleanup_completed").
		Msg("temp root purged")
}

// Validate ensures the temp root exists and is writable.
func (m *Manager) Validate() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return fmt.Errorf("temp root not creatable: %w", err)
	}
	probe := filepath.Join(m.root, ".write_test")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("temp root not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("temp root probe cleanup: %w", err)
	}
	return nil
}
