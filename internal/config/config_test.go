package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"patcher/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.BlockSize)
	assert.Nil(t, cfg.Defaults.Quiet)
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "patcher")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
workers = 16
block_size = 8192
compression_level = "default"
quiet = false
verbose = true
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 16, *cfg.Defaults.Workers)

	require.NotNil(t, cfg.Defaults.BlockSize)
	assert.Equal(t, 8192, *cfg.Defaults.BlockSize)

	require.NotNil(t, cfg.Defaults.CompressionLevel)
	assert.Equal(t, "default", *cfg.Defaults.CompressionLevel)

	require.NotNil(t, cfg.Defaults.Quiet)
	assert.False(t, *cfg.Defaults.Quiet)

	require.NotNil(t, cfg.Defaults.Verbose)
	assert.True(t, *cfg.Defaults.Verbose)
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "patcher")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	content := `
[defaults]
workers = 4
`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(content), 0o644))

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 4, *cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.BlockSize)
	assert.Nil(t, cfg.Defaults.Quiet)
}

func TestLoadInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	configDir := filepath.Join(dir, "patcher")
	require.NoError(t, os.MkdirAll(configDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(configDir, "config.toml"), []byte("invalid [[["), 0o644))

	_, err := config.Load()
	assert.Error(t, err)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	assert.Equal(t, "/custom/config/patcher/config.toml", config.Path())
}
