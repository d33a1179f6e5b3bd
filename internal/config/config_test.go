package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.AutoDiscoverDevice)
	require.Equal(t, 4370, cfg.Port)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestValidateRequiresIPWhenDiscoveryAndMockDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDiscoverDevice = false
	cfg.UseMockDevice = false
	cfg.IP = ""
	require.Error(t, cfg.Validate())

	cfg.IP = "192.168.1.50"
	require.NoError(t, cfg.Validate())
}

func TestValidateAllowsNoIPForMockDevice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoDiscoverDevice = false
	cfg.UseMockDevice = true
	cfg.IP = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	require.Error(t, cfg.Validate())
	cfg.Port = 70000
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresSpillAndPhotoDirs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SpillDir = ""
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.PhotoDir = ""
	require.Error(t, cfg.Validate())
}

func TestCloudConfigured(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.CloudConfigured())

	cfg.FirestoreProjectID = "my-project"
	cfg.FirebaseDatabaseURL = "https://my-project.firebaseio.com"
	require.True(t, cfg.CloudConfigured())
}

func TestLoadWithMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4370, cfg.Port)
}
