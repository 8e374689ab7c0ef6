package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_FillsZeroValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/var/lib/storaged", cfg.Storage.BaseDir)
	assert.Equal(t, "age", cfg.Expiration.Mode)
	assert.Equal(t, 31*24*time.Hour, cfg.Expiration.OverrideLeaseDuration)
	assert.Equal(t, []string{"mutable", "immutable"}, cfg.Expiration.ShareTypes)
	assert.Equal(t, 500*time.Millisecond, cfg.Crawler.CPUSlice)
	assert.Equal(t, time.Hour, cfg.Crawler.MinimumCycleTime)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "DEBUG"
	cfg.Expiration.Mode = "cutoff-date"

	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "cutoff-date", cfg.Expiration.Mode)
	// Override duration is only auto-filled in "age" mode.
	assert.Equal(t, time.Duration(0), cfg.Expiration.OverrideLeaseDuration)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}
