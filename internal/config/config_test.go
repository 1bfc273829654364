package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-extractor/internal/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), nil)
	require.NoError(t, err)

	assert.Equal(t, types.DefaultConfig(), cfg)
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
out_path: /var/lib/prices
timeout: 45s
max_concurrent_requests: 4
browser:
  endpoint: ws://browser:9222
log:
  level: warn
`)
	writeFile(t, dir, "local.yaml", `
out_path: ./data
browser:
  headless: false
`)
	writeFile(t, dir, "production.yaml", `
merge_policy: append-versioned
`)

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Environment)
	assert.Equal(t, "./data", cfg.OutPath)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.MaxConcurrentRequests)
	assert.Equal(t, "ws://browser:9222", cfg.Browser.Endpoint)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, types.MergeReject, cfg.MergePolicy)

	t.Setenv("APP_ENVIRONMENT", "production")
	cfg, err = Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "/var/lib/prices", cfg.OutPath)
	assert.Equal(t, types.MergeAppendVersioned, cfg.MergePolicy)
	assert.True(t, cfg.Browser.Headless)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "max_retries: 5\n")

	t.Setenv("APP_MAX_RETRIES", "2")
	t.Setenv("APP_BROWSER__ENDPOINT", "ws://10.0.0.5:9222")
	t.Setenv("APP_RUN_DEADLINE", "5m")

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, "ws://10.0.0.5:9222", cfg.Browser.Endpoint)
	assert.Equal(t, 5*time.Minute, cfg.RunDeadline)
}

func TestLoadOverridesWin(t *testing.T) {
	t.Setenv("APP_MERGE_POLICY", "overwrite")

	cfg, err := Load(t.TempDir(), map[string]any{
		"merge_policy":            types.MergeAppendVersioned,
		"max_concurrent_requests": 1,
	})
	require.NoError(t, err)
	assert.Equal(t, types.MergeAppendVersioned, cfg.MergePolicy)
	assert.Equal(t, 1, cfg.MaxConcurrentRequests)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		t.Setenv("APP_ENVIRONMENT", "staging")
		_, err := Load(t.TempDir(), nil)
		assert.ErrorContains(t, err, "staging is not a supported environment")
	})
	t.Run("merge policy", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "merge_policy: newest\n")
		_, err := Load(dir, nil)
		assert.ErrorContains(t, err, "unknown merge policy")
	})
	t.Run("malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "base.yaml", "timeout: [\n")
		_, err := Load(dir, nil)
		assert.Error(t, err)
	})
}

func TestInitLogger(t *testing.T) {
	logger, err := InitLogger(types.LogConfig{Level: "warn", Format: "text"}, false)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger, err = InitLogger(types.LogConfig{Level: "info", Format: "json"}, true)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	t.Setenv("LOG_LEVEL", "error")
	logger, err = InitLogger(types.LogConfig{Level: "info"}, true)
	require.NoError(t, err)
	assert.Equal(t, logrus.ErrorLevel, logger.GetLevel())

	_, err = InitLogger(types.LogConfig{Level: "loud"}, false)
	assert.Error(t, err)

	_, err = InitLogger(types.LogConfig{Level: "info", Format: "xml"}, false)
	assert.Error(t, err)
}
