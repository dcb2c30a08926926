package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dkonrad/blufi-setup/internal/ble"
	"github.com/dkonrad/blufi-setup/internal/provision"
)

// Config holds all application configuration. Durations are plain seconds
// in the YAML file.
type Config struct {
	Device    string          `yaml:"device"` // BLE address of the target, may be overridden on the CLI
	BLE       BLEConfig       `yaml:"ble"`
	Scan      ScanConfig      `yaml:"scan"`
	Provision ProvisionConfig `yaml:"provision"`
	LogLevel  string          `yaml:"log_level"`
}

// BLEConfig holds GATT session settings.
type BLEConfig struct {
	ConnectTimeoutSec  int `yaml:"connect_timeout_sec"`
	DiscoverTimeoutSec int `yaml:"discover_timeout_sec"` // device auto-discovery scan
	RestartAttempts    int `yaml:"restart_attempts"`
	RestartBackoffSec  int `yaml:"restart_backoff_sec"`
	SettleDelaySec     int `yaml:"settle_delay_sec"`
}

// ScanConfig holds WiFi discovery settings.
type ScanConfig struct {
	TimeoutSec       int `yaml:"timeout_sec"`
	QuietSec         int `yaml:"quiet_sec"`
	FragmentQuietSec int `yaml:"fragment_quiet_sec"`
}

// ProvisionConfig holds configuration-sequence settings.
type ProvisionConfig struct {
	AckTimeoutCtrlSec     int `yaml:"ack_timeout_ctrl_sec"`
	AckTimeoutDataSec     int `yaml:"ack_timeout_data_sec"`
	InterStepDelaySec     int `yaml:"inter_step_delay_sec"`
	StatusPollAttempts    int `yaml:"status_poll_attempts"`
	StatusPollIntervalSec int `yaml:"status_poll_interval_sec"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blufi-setup")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the timings the device family has been
// validated against.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ConnectTimeoutSec:  10,
			DiscoverTimeoutSec: 30,
			RestartAttempts:    5,
			RestartBackoffSec:  1,
			SettleDelaySec:     1,
		},
		Scan: ScanConfig{
			TimeoutSec:       120,
			QuietSec:         2,
			FragmentQuietSec: 15,
		},
		Provision: ProvisionConfig{
			AckTimeoutCtrlSec:     5,
			AckTimeoutDataSec:     8,
			InterStepDelaySec:     2,
			StatusPollAttempts:    10,
			StatusPollIntervalSec: 3,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	positives := []struct {
		name  string
		value int
	}{
		{"ble.connect_timeout_sec", c.BLE.ConnectTimeoutSec},
		{"ble.discover_timeout_sec", c.BLE.DiscoverTimeoutSec},
		{"ble.restart_attempts", c.BLE.RestartAttempts},
		{"ble.restart_backoff_sec", c.BLE.RestartBackoffSec},
		{"ble.settle_delay_sec", c.BLE.SettleDelaySec},
		{"scan.timeout_sec", c.Scan.TimeoutSec},
		{"scan.quiet_sec", c.Scan.QuietSec},
		{"scan.fragment_quiet_sec", c.Scan.FragmentQuietSec},
		{"provision.ack_timeout_ctrl_sec", c.Provision.AckTimeoutCtrlSec},
		{"provision.ack_timeout_data_sec", c.Provision.AckTimeoutDataSec},
		{"provision.inter_step_delay_sec", c.Provision.InterStepDelaySec},
		{"provision.status_poll_attempts", c.Provision.StatusPollAttempts},
		{"provision.status_poll_interval_sec", c.Provision.StatusPollIntervalSec},
	}
	for _, p := range positives {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", p.name, p.value)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// DiscoverTimeout bounds the device auto-discovery scan.
func (c *Config) DiscoverTimeout() time.Duration {
	return time.Duration(c.BLE.DiscoverTimeoutSec) * time.Second
}

// ManagerOptions converts the BLE section for ble.NewManager.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	return ble.ManagerOptions{
		ConnectTimeout:  time.Duration(c.BLE.ConnectTimeoutSec) * time.Second,
		RestartAttempts: c.BLE.RestartAttempts,
		RestartBackoff:  time.Duration(c.BLE.RestartBackoffSec) * time.Second,
		SettleDelay:     time.Duration(c.BLE.SettleDelaySec) * time.Second,
	}
}

// ProvisionOptions converts the scan and provision sections for
// provision.NewProvisioner.
func (c *Config) ProvisionOptions() provision.Options {
	return provision.Options{
		ScanTimeout:        time.Duration(c.Scan.TimeoutSec) * time.Second,
		ScanQuiet:          time.Duration(c.Scan.QuietSec) * time.Second,
		FragmentQuiet:      time.Duration(c.Scan.FragmentQuietSec) * time.Second,
		AckTimeoutCtrl:     time.Duration(c.Provision.AckTimeoutCtrlSec) * time.Second,
		AckTimeoutData:     time.Duration(c.Provision.AckTimeoutDataSec) * time.Second,
		InterStepDelay:     time.Duration(c.Provision.InterStepDelaySec) * time.Second,
		StatusPollAttempts: c.Provision.StatusPollAttempts,
		StatusPollInterval: time.Duration(c.Provision.StatusPollIntervalSec) * time.Second,
	}
}
