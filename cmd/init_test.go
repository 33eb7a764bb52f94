package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"memlog/pkg/config"

	"github.com/stretchr/testify/require"
)

func TestInitConfigMissingFile(t *testing.T) {
	cfg, err := initConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestInitConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: DEBUG
recovery:
  fan_out: 4
  fetch_timeout: 250ms
  retry:
    max_retries: 2
backup:
  id: 7
  locator: backup7:8080
`), 0600))

	cfg, err := initConfig(path)
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logger.Level)
	require.Equal(t, 4, cfg.Recovery.FanOut)
	require.Equal(t, 250*time.Millisecond, cfg.Recovery.FetchTimeout)
	require.Equal(t, uint64(2), cfg.Recovery.Retry.MaxRetries)
	require.Equal(t, uint64(7), cfg.Backup.ID)
	// untouched fields keep their defaults
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, config.Default().Recovery.Retry.InitialInterval, cfg.Recovery.Retry.InitialInterval)
}

func TestInitConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("recovery:\n  fan_out: 0\n"), 0600))

	_, err := initConfig(path)
	require.ErrorContains(t, err, "fan_out")
}

func TestInitLoggerLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	cfg := config.Default()
	cfg.Logger.Level = "WARN"
	logger := initLogger(&cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}
