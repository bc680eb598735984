package metrics

import (
	"path/filepath"

	"codeberg.org/mutker/gpufan/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/gpufan/metrics.db"

	defaultBatchSize    = 10
	defaultBatchTimeout = 60

	maxBufferedSnapshots = 1000
)

type Config struct {
	Enabled bool
	DBPath  string
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Defaults to "backups" next to DBPath.
	BackupDir string
	BatchSize int
	// BatchTimeout is the flush interval in seconds.
	BatchTimeout int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate when metrics is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "batch size and timeout must not be negative")
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

// bufferLimit caps snapshots held while commits fail.
func (c Config) bufferLimit() int {
	if c.BatchSize > maxBufferedSnapshots {
		return c.BatchSize
	}

	return maxBufferedSnapshots
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
