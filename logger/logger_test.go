package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/cratebox/config"
)

func TestLoggerNew(t *testing.T) {
	t.Run("ValidDevelopmentMode", func(t *testing.T) {
		logger, err := New("development", "debug")
		require.NoError(t, err)
		assert.NotNil(t, logger)
		_ = logger.Sync()
	})

	t.Run("ValidProductionMode", func(t *testing.T) {
		logger, err := New("production", "info")
		require.NoError(t, err)
		assert.NotNil(t, logger)
		_ = logger.Sync()
	})

	t.Run("InvalidMode", func(t *testing.T) {
		_, err := New("invalid_mode", "info")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging mode")
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New("production", "invalid_level")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging level")
	})

	t.Run("LevelFiltersOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cratebox.log")
		logger, err := New("production", "warn", path)
		require.NoError(t, err)

		logger.Info("dropped")
		logger.Warn("kept")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "dropped")
		assert.Contains(t, string(data), `"msg":"kept"`)
		assert.Contains(t, string(data), `"timestamp":`)
		assert.Contains(t, string(data), `"logger":"cratebox"`)
	})
}

func TestLoggerNewFromConfig(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := &config.Config{Logging: config.LoggingConfig{Mode: "development", Level: "debug"}}
		logger, err := NewFromConfig(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		_ = logger.Sync()
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out.log")
		cfg := &config.Config{Logging: config.LoggingConfig{Mode: "production", Level: "info", Output: path}}
		logger, err := NewFromConfig(cfg)
		require.NoError(t, err)
		logger.Info("hello")
		_ = logger.Sync()
		assert.FileExists(t, path)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		cfg := &config.Config{Logging: config.LoggingConfig{Mode: "invalid_mode", Level: "info"}}
		_, err := NewFromConfig(cfg)
		assert.Error(t, err)
	})
}
