package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/msgvault/internal/flagx"
	"github.com/dmitrijs2005/msgvault/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations go
// through timex.Duration so "1s" and integer nanoseconds both work.
type JsonConfig struct {
	DataDir    string `json:"data_dir"`
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path"`

	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`

	MaxUploadSize   int64           `json:"max_upload_size"`
	MigrationPacing *timex.Duration `json:"migration_pacing"`

	LogLevel    string `json:"log_level"`
	MetricsAddr string `json:"metrics_addr"`

	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
}

// parseJson overlays cfg with the values present in the JSON file named by
// -c or -config. Absent keys keep their current value. Read and decode
// errors panic; the caller recovers.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigFileFlag(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.DataDir, jc.DataDir)
	setString(&cfg.Backend, jc.Backend)
	setString(&cfg.SQLitePath, jc.SQLitePath)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3BaseEndpoint, jc.S3BaseEndpoint)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.MetricsAddr, jc.MetricsAddr)

	if jc.MaxUploadSize > 0 {
		cfg.MaxUploadSize = jc.MaxUploadSize
	}
	if jc.MigrationPacing != nil {
		cfg.MigrationPacing = jc.MigrationPacing.Duration
	}
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
