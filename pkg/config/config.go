// Package config loads and validates the storaged server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (STORAGED_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gridshare/storaged/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level storaged configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Storage configures the on-disk share container layout, the reserved
	// disk-space floor, and read-only mode (§4.E, §4.F).
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Expiration configures the lease-expirer (§4.H).
	Expiration ExpirationConfig `mapstructure:"expiration" yaml:"expiration"`

	// Crawler configures the background crawl scheduler (§4.G).
	Crawler CrawlerConfig `mapstructure:"crawler" yaml:"crawler"`

	// ShutdownTimeout bounds how long graceful shutdown waits for the
	// crawler to finish its in-flight bucket and for in-flight RPCs to drain.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`
}

// StorageConfig configures the share container layout and admission control.
type StorageConfig struct {
	// BaseDir is the root directory holding shares/, *.state, *.history,
	// and corruption-advisories/ (§6 On-disk layout).
	BaseDir string `mapstructure:"base_dir" validate:"required" yaml:"base_dir"`

	// ReservedSpace is the disk-space floor below which new allocations
	// are refused (§4.F). Supports human-readable sizes: "1Gi", "500MB".
	ReservedSpace bytesize.ByteSize `mapstructure:"reserved_space" yaml:"reserved_space"`

	// ReadonlyStorage, when true, refuses all new allocations but keeps
	// serving reads and lease renewals (§4.F).
	ReadonlyStorage bool `mapstructure:"readonly_storage" yaml:"readonly_storage"`
}

// ExpirationConfig configures the lease-expirer policy (§4.H).
type ExpirationConfig struct {
	// Enabled turns on share deletion when all leases on a share expire.
	// When false, the crawler still histograms lease ages (§4.H step 3).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Mode selects the expiry test: "age" or "cutoff-date".
	Mode string `mapstructure:"mode" validate:"required,oneof=age cutoff-date" yaml:"mode"`

	// OverrideLeaseDuration is the lease lifetime used in "age" mode.
	// Default: 31 days, matching the lease-renewal default (§4.E add_lease).
	OverrideLeaseDuration time.Duration `mapstructure:"override_lease_duration" yaml:"override_lease_duration"`

	// CutoffDate is the absolute instant used in "cutoff-date" mode.
	CutoffDate time.Time `mapstructure:"cutoff_date" yaml:"cutoff_date"`

	// ShareTypes is the subset of {"mutable","immutable"} subject to expiry.
	ShareTypes []string `mapstructure:"sharetypes" validate:"dive,oneof=mutable immutable" yaml:"sharetypes"`
}

// CrawlerConfig configures the background, time-sliced directory walker (§4.G).
type CrawlerConfig struct {
	// CPUSlice is how often the crawler checkpoints its resume point and
	// checks for cancellation while walking a prefix.
	CPUSlice time.Duration `mapstructure:"cpu_slice" validate:"gt=0" yaml:"cpu_slice"`

	// MinimumCycleTime throttles successive cycles.
	MinimumCycleTime time.Duration `mapstructure:"minimum_cycle_time" validate:"gt=0" yaml:"minimum_cycle_time"`

	// SlowStart delays the first activation after boot.
	SlowStart time.Duration `mapstructure:"slow_start" yaml:"slow_start"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !found {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the config
// file is missing, mirroring the startup behavior of storaged's predecessor.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  storaged init\n\n"+
				"Or specify a custom config file:\n"+
				"  storaged <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  storaged init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes cfg to path in YAML form.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate runs struct-tag validation over cfg and adds the few
// cross-field checks that validator tags can't express (§7 ValueError).
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if cfg.Expiration.Mode == "cutoff-date" && cfg.Expiration.CutoffDate.IsZero() {
		return fmt.Errorf("expiration.cutoff_date is required when expiration.mode is cutoff-date")
	}
	if cfg.Expiration.Mode == "age" && cfg.Expiration.OverrideLeaseDuration <= 0 {
		return fmt.Errorf("expiration.override_lease_duration must be positive when expiration.mode is age")
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("STORAGED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks composes the custom mapstructure decode hooks.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		// Integer epoch seconds (e.g. cutoff_date: 0) to time.Time.
		func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
			if to != reflect.TypeOf(time.Time{}) {
				return data, nil
			}
			switch v := data.(type) {
			case int:
				return time.Unix(int64(v), 0).UTC(), nil
			case int64:
				return time.Unix(v, 0).UTC(), nil
			}
			return data, nil
		},
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// allowing "1Gi", "500Mi", "100MB" or plain byte counts in config.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, allowing "30s",
// "5m", "1h" in config.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME, then ~/.config, then the current directory.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "storaged")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "storaged")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir exposes the configuration directory for the init command.
func GetConfigDir() string {
	return getConfigDir()
}
