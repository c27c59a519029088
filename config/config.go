package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lanwarp"
	// DefaultPort is the gRPC port used when no user override exists.
	DefaultPort = 42000
	// DefaultAuthPort is the datagram port that serves the boxed certificate.
	DefaultAuthPort = 42001
	// DefaultGroupCode is the shared secret that boxes certificates on the LAN.
	DefaultGroupCode = "Warpinator"
	// DefaultLogLevel is used when the config carries no level.
	DefaultLogLevel = "info"
	// DefaultMaxWorkers bounds concurrent background tasks.
	DefaultMaxWorkers = 64
	// dataDirEnv overrides the resolved data directory.
	dataDirEnv = "LANWARP_DATA_DIR"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	UserName        string `json:"user_name"`
	GroupCode       string `json:"group_code"`
	Port            int    `json:"port"`
	AuthPort        int    `json:"auth_port"`
	CertificatePath string `json:"certificate_path"`
	PrivateKeyPath  string `json:"private_key_path"`
	AvatarPath      string `json:"avatar_path,omitempty"`
	LogLevel        string `json:"log_level"`
	MaxWorkers      int    `json:"max_workers"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LANWARP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(dataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "certs")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate resolves the data directory and delegates to LoadOrCreateAt.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then returns both.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate rejects configs the engine cannot run with.
func (c *DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(c.GroupCode) == "" {
		return errors.New("group_code is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AuthPort <= 0 || c.AuthPort > 65535 {
		return fmt.Errorf("auth_port %d out of range", c.AuthPort)
	}
	if c.Port == c.AuthPort {
		return errors.New("port and auth_port must differ")
	}
	return nil
}

func defaultConfig(dataDir string) *DeviceConfig {
	certsDir := filepath.Join(dataDir, "certs")
	return &DeviceConfig{
		DeviceID:        uuid.NewString(),
		DeviceName:      defaultDeviceName(),
		UserName:        defaultUserName(),
		GroupCode:       DefaultGroupCode,
		Port:            DefaultPort,
		AuthPort:        DefaultAuthPort,
		CertificatePath: filepath.Join(certsDir, "local.crt"),
		PrivateKeyPath:  filepath.Join(certsDir, "local.key"),
		LogLevel:        DefaultLogLevel,
		MaxWorkers:      DefaultMaxWorkers,
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	defaults := defaultConfig(dataDir)
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = defaults.DeviceID
		updated = true
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = defaults.DeviceName
		updated = true
	}
	if cfg.UserName == "" {
		cfg.UserName = defaults.UserName
		updated = true
	}
	if cfg.GroupCode == "" {
		cfg.GroupCode = defaults.GroupCode
		updated = true
	}
	if cfg.Port <= 0 {
		cfg.Port = defaults.Port
		updated = true
	}
	if cfg.AuthPort <= 0 {
		cfg.AuthPort = defaults.AuthPort
		updated = true
	}
	if cfg.CertificatePath == "" {
		cfg.CertificatePath = defaults.CertificatePath
		updated = true
	}
	if cfg.PrivateKeyPath == "" {
		cfg.PrivateKeyPath = defaults.PrivateKeyPath
		updated = true
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
		updated = true
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaults.MaxWorkers
		updated = true
	}

	return updated
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "LAN Warp Device"
}

func defaultUserName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "user"
}
