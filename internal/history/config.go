package history

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/vitalsd/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/vitalsd/history.db"
	defaultBatchSize    = 50
	defaultBatchTimeout = 5 * time.Second

	// Samples kept in memory per batch while the database is failing.
	bufferBatches = 10
)

type Config struct {
	DBPath          string
	BackupDir       string
	BackupOnMigrate bool
	BatchSize       int
	BatchTimeout    time.Duration
	// MaxBuffered caps the samples held while flushes fail; the oldest are
	// dropped first. Zero means ten batches.
	MaxBuffered int
	Enabled     bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BackupOnMigrate: true,
		BatchSize:       defaultBatchSize,
		BatchTimeout:    defaultBatchTimeout,
		Enabled:         false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if history is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 || c.MaxBuffered < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size, timeout and buffer limit must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func (c Config) maxBuffered() int {
	batch := max(c.BatchSize, 1)
	if c.MaxBuffered <= 0 {
		return batch * bufferBatches
	}
	return max(c.MaxBuffered, batch)
}
