package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Storage.BaseDir = "/var/lib/storaged"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "VERBOSE"
	assert.Error(t, Validate(cfg))
}

func TestValidate_InvalidExpirationMode(t *testing.T) {
	cfg := validConfig()
	cfg.Expiration.Mode = "never"
	assert.Error(t, Validate(cfg))
}

func TestValidate_CutoffModeRequiresCutoffDate(t *testing.T) {
	cfg := validConfig()
	cfg.Expiration.Mode = "cutoff-date"
	cfg.Expiration.CutoffDate = time.Time{}
	assert.Error(t, Validate(cfg))

	cfg.Expiration.CutoffDate = time.Now()
	assert.NoError(t, Validate(cfg))
}

func TestValidate_AgeModeRequiresPositiveDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Expiration.Mode = "age"
	cfg.Expiration.OverrideLeaseDuration = 0
	assert.Error(t, Validate(cfg))
}

func TestValidate_InvalidShareType(t *testing.T) {
	cfg := validConfig()
	cfg.Expiration.ShareTypes = []string{"bogus"}
	assert.Error(t, Validate(cfg))
}

func TestValidate_MissingBaseDir(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.BaseDir = ""
	assert.Error(t, Validate(cfg))
}

func TestValidate_ZeroShutdownTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.ShutdownTimeout = 0
	assert.Error(t, Validate(cfg))
}
