package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "age", cfg.Expiration.Mode)
}

func TestLoad_ParsesYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
storage:
  base_dir: /srv/shares
  reserved_space: 1Gi
  readonly_storage: true
expiration:
  enabled: true
  mode: age
  override_lease_duration: 72h
  sharetypes: [mutable]
crawler:
  cpu_slice: 250ms
  minimum_cycle_time: 2h
shutdown_timeout: 10s
logging:
  level: debug
  format: json
  output: stdout
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	t.Setenv("STORAGED_STORAGE_RESERVED_SPACE", "2Gi")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/shares", cfg.Storage.BaseDir)
	assert.True(t, cfg.Storage.ReadonlyStorage)
	assert.EqualValues(t, 2*1024*1024*1024, cfg.Storage.ReservedSpace)
	assert.True(t, cfg.Expiration.Enabled)
	assert.Equal(t, []string{"mutable"}, cfg.Expiration.ShareTypes)
	assert.Equal(t, 72*time.Hour, cfg.Expiration.OverrideLeaseDuration)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawler.CPUSlice)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestMustLoad_MissingFileProducesActionableError(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	_, err := MustLoad("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storaged init")
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Storage.BaseDir = dir
	require.NoError(t, SaveConfig(cfg, path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, reloaded.Storage.BaseDir)
}
