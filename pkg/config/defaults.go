package config

import (
	"time"

	"github.com/gridshare/storaged/internal/bytesize"
)

// ApplyDefaults fills in zero-valued fields with storaged's defaults.
// Only fields left unset by the config file or environment are touched.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyStorageDefaults(&cfg.Storage)
	applyExpirationDefaults(&cfg.Expiration)
	applyCrawlerDefaults(&cfg.Crawler)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "/var/lib/storaged"
	}
	if cfg.ReservedSpace == 0 {
		cfg.ReservedSpace = bytesize.ByteSize(0)
	}
}

// defaultLeaseDuration is the lease lifetime renew_lease/add_lease install,
// also the default "age" mode window (§4.E add_lease, §4.H).
const defaultLeaseDuration = 31 * 24 * time.Hour

func applyExpirationDefaults(cfg *ExpirationConfig) {
	if cfg.Mode == "" {
		cfg.Mode = "age"
	}
	if cfg.Mode == "age" && cfg.OverrideLeaseDuration == 0 {
		cfg.OverrideLeaseDuration = defaultLeaseDuration
	}
	if len(cfg.ShareTypes) == 0 {
		cfg.ShareTypes = []string{"mutable", "immutable"}
	}
}

func applyCrawlerDefaults(cfg *CrawlerConfig) {
	if cfg.CPUSlice == 0 {
		cfg.CPUSlice = 500 * time.Millisecond
	}
	if cfg.MinimumCycleTime == 0 {
		cfg.MinimumCycleTime = time.Hour
	}
}

// GetDefaultConfig returns a fully defaulted, valid Config.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
