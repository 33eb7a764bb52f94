package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Logger.Level = "chatty"
	cfg.Server.Port = 0
	cfg.Recovery.FanOut = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.ErrorContains(t, err, "logger.level")
	require.ErrorContains(t, err, "http-server.port")
	require.ErrorContains(t, err, "recovery.fan_out")
}

func TestValidate_RetryIntervals(t *testing.T) {
	cfg := Default()
	cfg.Recovery.Retry.MaxInterval = 0
	require.ErrorContains(t, cfg.Validate(), "recovery.retry.max_interval")

	cfg.Recovery.Retry.MaxInterval = cfg.Recovery.Retry.InitialInterval
	require.NoError(t, cfg.Validate())
}

func TestValidate_Retain(t *testing.T) {
	cfg := Default()
	cfg.Recovery.Retain = -1
	require.ErrorContains(t, cfg.Validate(), "recovery.retain")

	cfg.Recovery.Retain = 0
	require.NoError(t, cfg.Validate())
}
