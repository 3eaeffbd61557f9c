// Package config loads runtime configuration for the msgvault CLI.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// Durations accept strings like "1s" or integer nanoseconds:
//
//	{
//	  "data_dir": "~/.msgvault",
//	  "backend": "s3",
//	  "s3_bucket": "vault",
//	  "s3_region": "eu-central-1",
//	  "s3_base_endpoint": "http://127.0.0.1:9000",
//	  "max_upload_size": 2097152000,
//	  "migration_pacing": "1s",
//	  "log_level": "info",
//	  "metrics_addr": "127.0.0.1:9464",
//	  "online_check_interval": "30s"
//	}
//
// The package does not read environment variables; the S3 backend falls back
// to the AWS default credential chain when no static keys are set.
package config
