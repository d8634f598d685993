package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigReturnsDefaults(t *testing.T) {
	cfg := NewConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 1, cfg.Version)
	assert.Contains(t, cfg.Data.Path, "lexid")
	assert.Equal(t, 4096, cfg.KV.MaxMapSizeMB)
	assert.True(t, cfg.Scheduler.AutobatchingEnabled)
	assert.Equal(t, 1*time.Second, cfg.Scheduler.MinRetryDelay)
	assert.Equal(t, []string{"words", "typo", "proximity", "attribute", "sort", "exactness"}, cfg.Ranking.DefaultRules)
	assert.Equal(t, 1000, cfg.Search.Capacity)
	assert.Equal(t, "127.0.0.1:7700", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Server.LogLevel)
}

func TestValidateRejectsSubSecondRetryDelay(t *testing.T) {
	cfg := NewConfig()
	cfg.Scheduler.MinRetryDelay = 200 * time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyRankingRules(t *testing.T) {
	cfg := NewConfig()
	cfg.Ranking.DefaultRules = nil
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownEmbedderSource(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedders["default"] = EmbedderConfig{Source: "magic"}
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDimensionsForUserProvided(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedders["custom"] = EmbedderConfig{Source: "userProvided"}
	assert.Error(t, cfg.Validate())

	cfg.Embedders["custom"] = EmbedderConfig{Source: "userProvided", Dimensions: 768}
	assert.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	content := "server:\n  address: \"0.0.0.0:9000\"\nsearch:\n  capacity: 50\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lexid.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Address)
	assert.Equal(t, 50, cfg.Search.Capacity)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LEXID_ADDRESS", "0.0.0.0:7701")
	t.Setenv("LEXID_SEARCH_QUEUE_CAPACITY", "250")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7701", cfg.Server.Address)
	assert.Equal(t, 250, cfg.Search.Capacity)
}

func TestGetUserConfigPathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdgtest")
	assert.Equal(t, "/tmp/xdgtest/lexid/config.yaml", GetUserConfigPath())
}

func TestWriteYAMLRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := NewConfig()
	cfg.Server.Address = "127.0.0.1:8080"
	require.NoError(t, cfg.WriteYAML(path))

	loaded := NewConfig()
	require.NoError(t, loaded.loadYAML(path))
	assert.Equal(t, "127.0.0.1:8080", loaded.Server.Address)
}

func TestLoggerWritesJSONLinesUnderDataPath(t *testing.T) {
	cfg := NewConfig()
	cfg.Data.Path = t.TempDir()
	cfg.Server.LogLevel = "debug"

	logger, cleanup, err := cfg.Logger()
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("batch committed", "index_uid", "doggos")
	cleanup()

	data, err := os.ReadFile(filepath.Join(cfg.Data.Path, "lexid.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch committed")
}
