package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/msgvault/internal/flagx"
)

var flagNames = []string{
	"d", "b", "sqlite",
	"s3-bucket", "s3-region", "s3-endpoint", "s3-access-key", "s3-secret-key",
	"max-upload", "pacing", "log-level", "metrics", "i",
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-d string             data directory holding metadata.json
//	-b string             remote backend: sqlite, s3 or memory
//	-sqlite string        sqlite backend database path
//	-s3-bucket string     S3 bucket
//	-s3-region string     S3 region
//	-s3-endpoint string   S3-compatible endpoint URL
//	-s3-access-key string static access key
//	-s3-secret-key string static secret key
//	-max-upload int       upload size limit in bytes
//	-pacing duration      pause between files during migration
//	-log-level string     debug, info, warn or error
//	-metrics string       address for the Prometheus endpoint
//	-i int                online check interval in seconds, 0 disables it
//
// os.Args is filtered with flagx.FilterArgs so that flags owned by other
// loaders do not break parsing.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], flagNames...)

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.Backend, "b", cfg.Backend, "remote backend (sqlite, s3, memory)")
	fs.StringVar(&cfg.SQLitePath, "sqlite", cfg.SQLitePath, "sqlite backend database path")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3BaseEndpoint, "s3-endpoint", cfg.S3BaseEndpoint, "S3-compatible endpoint URL")
	fs.StringVar(&cfg.S3AccessKey, "s3-access-key", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s3-secret-key", cfg.S3SecretKey, "S3 secret key")
	fs.Int64Var(&cfg.MaxUploadSize, "max-upload", cfg.MaxUploadSize, "upload size limit in bytes")
	fs.DurationVar(&cfg.MigrationPacing, "pacing", cfg.MigrationPacing, "pause between files during migration")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "address for the Prometheus endpoint")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
