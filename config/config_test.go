package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LANWARP_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	require.NoError(t, err)
	require.NotEmpty(t, firstCfg.DeviceID)
	require.Equal(t, DefaultPort, firstCfg.Port)
	require.Equal(t, DefaultAuthPort, firstCfg.AuthPort)
	require.Equal(t, DefaultGroupCode, firstCfg.GroupCode)
	require.Equal(t, filepath.Join(tempDir, "config.json"), firstPath)
	require.NoError(t, firstCfg.Validate())

	secondCfg, secondPath, err := LoadOrCreate()
	require.NoError(t, err)
	require.Equal(t, firstPath, secondPath, "config path should be stable")
	require.Equal(t, firstCfg.DeviceID, secondCfg.DeviceID, "device ID should be stable")
	require.Equal(t, firstCfg.CertificatePath, secondCfg.CertificatePath)
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	require.NoError(t, EnsureDataDirectories(tempDir))

	cfgPath := ConfigPath(tempDir)
	require.NoError(t, Save(cfgPath, &DeviceConfig{
		DeviceID:   "legacy-device",
		DeviceName: "Legacy",
		Port:       5000,
	}))

	cfg, _, err := LoadOrCreateAt(tempDir)
	require.NoError(t, err)
	require.Equal(t, "legacy-device", cfg.DeviceID)
	require.Equal(t, 5000, cfg.Port, "explicit port should be retained")
	require.Equal(t, DefaultAuthPort, cfg.AuthPort)
	require.Equal(t, DefaultGroupCode, cfg.GroupCode)
	require.Equal(t, filepath.Join(tempDir, "certs", "local.crt"), cfg.CertificatePath)

	reloaded, err := Load(cfgPath)
	require.NoError(t, err)
	require.Equal(t, cfg.AuthPort, reloaded.AuthPort, "normalized fields should be persisted")
}

func TestValidateRejectsSharedPorts(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.AuthPort = cfg.Port
	require.Error(t, cfg.Validate())

	cfg = defaultConfig(t.TempDir())
	cfg.GroupCode = "  "
	require.Error(t, cfg.Validate())
}
