package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/filex"
)

// Supported remote backends.
const (
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config holds runtime settings for the msgvault CLI.
//
// MaxUploadSize is in bytes. MigrationPacing is the pause between two files
// during a migration run. OnlineCheckInterval is how often the CLI probes
// the remote side; zero disables the probe.
type Config struct {
	DataDir    string
	Backend    string
	SQLitePath string

	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
	S3AccessKey    string
	S3SecretKey    string

	MaxUploadSize   int64
	MigrationPacing time.Duration

	LogLevel    string
	MetricsAddr string

	OnlineCheckInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = filepath.Join("~", "."+common.AppName)
	c.Backend = BackendSQLite
	c.MaxUploadSize = common.DefaultMaxUploadSize
	c.MigrationPacing = time.Second
	c.LogLevel = "info"
	c.OnlineCheckInterval = 30 * time.Second
}

// Validate checks field combinations and expands DataDir.
func (c *Config) Validate() error {
	dir, err := filex.ExpandHome(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	c.DataDir = dir

	switch c.Backend {
	case BackendSQLite, BackendMemory:
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("backend %q needs s3_bucket", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive, got %d", c.MaxUploadSize)
	}
	if c.MigrationPacing < 0 {
		return fmt.Errorf("migration_pacing must not be negative, got %s", c.MigrationPacing)
	}
	return nil
}

// RemoteDBPath is where the sqlite backend keeps its database.
func (c *Config) RemoteDBPath() string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.DataDir, "remote.db")
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
