// Package config is the viper-backed configuration surface for every
// subsystem the bridge wires together: device connection and
// discovery, timezone, the mock driver's synthetic interval, sync
// cadence, cloud credential paths, and the local API server block.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the bridge's full runtime configuration.
type Config struct {
	UseMockDevice           bool          `mapstructure:"use_mock_device"`
	AutoDiscoverDevice      bool          `mapstructure:"auto_discover_device"`
	AutoDiscoveryRetries    int           `mapstructure:"auto_discovery_retries"`
	AutoDiscoveryRetryDelay time.Duration `mapstructure:"auto_discovery_retry_delay"`

	IP                string        `mapstructure:"ip"`
	Port              int           `mapstructure:"port"`
	Timeout           time.Duration `mapstructure:"timeout"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	ScanTimeout       time.Duration `mapstructure:"scan_timeout"`
	ScanConcurrency   int           `mapstructure:"scan_concurrency"`

	Timezone     string        `mapstructure:"timezone"`
	MockInterval time.Duration `mapstructure:"mock_interval"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	SpillDir string `mapstructure:"spill_dir"`
	PhotoDir string `mapstructure:"photo_dir"`

	FirestoreProjectID    string `mapstructure:"firestore_project_id"`
	FirestoreCredentials  string `mapstructure:"firestore_credentials_path"`
	FirebaseDatabaseURL   string `mapstructure:"firebase_database_url"`
	FirebaseCredentials   string `mapstructure:"firebase_credentials_path"`
	RegistrationsNodePath string `mapstructure:"registrations_node_path"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	APIServer APIServerConfig `mapstructure:"api_server"`
}

// APIServerConfig is the local HTTP/websocket surface's own block.
type APIServerConfig struct {
	Addr    string   `mapstructure:"addr"`
	APIKeys []string `mapstructure:"api_keys"`
}

// DefaultConfig returns a configuration with the bridge's documented
// defaults.
func DefaultConfig() *Config {
	return &Config{
		UseMockDevice:           false,
		AutoDiscoverDevice:      true,
		AutoDiscoveryRetries:    3,
		AutoDiscoveryRetryDelay: 5 * time.Second,

		Port:              4370,
		Timeout:           10 * time.Second,
		InactivityTimeout: 60 * time.Second,
		ScanTimeout:       40 * time.Second,
		ScanConcurrency:   150,

		Timezone:     "",
		MockInterval: 15 * time.Second,
		SyncInterval: 30 * time.Second,

		SpillDir: "./offline-data",
		PhotoDir: "./photos",

		RegistrationsNodePath: "/member_registrations",

		LogLevel: "info",
		LogFile:  "",

		APIServer: APIServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads configuration from configFile (or the default search
// path when empty), layers ZKBRIDGE_-prefixed environment variables on
// top, and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/zk-attendance-bridge")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zk-attendance-bridge"))
		}
	}

	v.SetEnvPrefix("ZKBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("use_mock_device", cfg.UseMockDevice)
	v.SetDefault("auto_discover_device", cfg.AutoDiscoverDevice)
	v.SetDefault("auto_discovery_retries", cfg.AutoDiscoveryRetries)
	v.SetDefault("auto_discovery_retry_delay", cfg.AutoDiscoveryRetryDelay)
	v.SetDefault("ip", cfg.IP)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("inactivity_timeout", cfg.InactivityTimeout)
	v.SetDefault("scan_timeout", cfg.ScanTimeout)
	v.SetDefault("scan_concurrency", cfg.ScanConcurrency)
	v.SetDefault("timezone", cfg.Timezone)
	v.SetDefault("mock_interval", cfg.MockInterval)
	v.SetDefault("sync_interval", cfg.SyncInterval)
	v.SetDefault("spill_dir", cfg.SpillDir)
	v.SetDefault("photo_dir", cfg.PhotoDir)
	v.SetDefault("registrations_node_path", cfg.RegistrationsNodePath)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("api_server.addr", cfg.APIServer.Addr)
}

// Validate rejects configurations the rest of the bridge cannot run
// with.
func (c *Config) Validate() error {
	if !c.UseMockDevice && !c.AutoDiscoverDevice && c.IP == "" {
		return fmt.Errorf("ip is required when auto_discover_device is false and use_mock_device is false")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.ScanConcurrency <= 0 {
		return fmt.Errorf("scan_concurrency must be positive")
	}
	if c.SpillDir == "" {
		return fmt.Errorf("spill_dir is required")
	}
	if c.PhotoDir == "" {
		return fmt.Errorf("photo_dir is required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	return nil
}

// CloudConfigured reports whether enough Firestore/Firebase settings
// are present to construct real cloud collaborators, as opposed to
// running against the offline stores only.
func (c *Config) CloudConfigured() bool {
	return c.FirestoreProjectID != "" && c.FirebaseDatabaseURL != ""
}
