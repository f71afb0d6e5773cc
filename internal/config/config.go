package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for the bridge agent. It covers only
// what is not part of the paired runtime state (credentials, scanner
// registry, folder-sync target) — those live in the secret vault and are
// restored at boot, not read from this file.
type Config struct {
	ControlAPI ControlAPIConfig `yaml:"control_api"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	FolderSync FolderSyncTuning `yaml:"folder_sync"`
}

// ControlAPIConfig defines the local loopback control API the desktop shell
// talks to.
type ControlAPIConfig struct {
	Address   string          `yaml:"address"`
	Port      int             `yaml:"port"`
	TLS       TLSConfig       `yaml:"tls"`
	BasicAuth BasicAuthConfig `yaml:"basic_auth"`
}

// BasicAuthConfig defines optional basic authentication on the control API.
type BasicAuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`      // Plaintext password (not recommended for production)
	PasswordHash string `yaml:"password_hash"` // Bcrypt hash of password (recommended)
}

// TLSConfig defines TLS settings for the control API listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DiscoveryConfig tunes the discovery engine's timing. Defaults match the
// fixed constants the agent ships with; overriding them is for testing, not
// production use.
type DiscoveryConfig struct {
	MDNSBrowseSeconds  int `yaml:"mdns_browse_seconds"`
	ProbeTimeoutMillis int `yaml:"probe_timeout_millis"`
	SweepTimeoutSecond int `yaml:"sweep_timeout_seconds"`
}

// FolderSyncTuning holds the stability/retry/size knobs for folder sync.
// Production callers should leave the zero value and let defaults apply;
// tests shrink these to keep runtimes short.
type FolderSyncTuning struct {
	StabilityIntervalMillis int   `yaml:"stability_interval_millis"`
	StabilitySamples        int   `yaml:"stability_samples"`
	MaxFileSizeBytes        int64 `yaml:"max_file_size_bytes"`
	UploadMaxAttempts       int   `yaml:"upload_max_attempts"`
	ScanIntervalSeconds     int   `yaml:"scan_interval_seconds"`
	StatusReportEveryCycles int   `yaml:"status_report_every_cycles"`
}

// Load reads and parses the configuration file, applying env overrides and
// defaults, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ControlAPI.Port <= 0 || c.ControlAPI.Port > 65535 {
		return fmt.Errorf("invalid control_api port: %d", c.ControlAPI.Port)
	}

	if c.ControlAPI.BasicAuth.Enabled {
		if c.ControlAPI.BasicAuth.Username == "" {
			return fmt.Errorf("basic_auth.username is required when basic_auth is enabled")
		}
		if c.ControlAPI.BasicAuth.Password == "" && c.ControlAPI.BasicAuth.PasswordHash == "" {
			return fmt.Errorf("either basic_auth.password or basic_auth.password_hash is required when basic_auth is enabled")
		}
		if c.ControlAPI.BasicAuth.Password != "" && c.ControlAPI.BasicAuth.PasswordHash != "" {
			return fmt.Errorf("cannot specify both basic_auth.password and basic_auth.password_hash")
		}
	}

	if c.Discovery.MDNSBrowseSeconds <= 0 {
		return fmt.Errorf("discovery.mdns_browse_seconds must be positive")
	}
	if c.Discovery.ProbeTimeoutMillis <= 0 {
		return fmt.Errorf("discovery.probe_timeout_millis must be positive")
	}
	if c.Discovery.SweepTimeoutSecond <= 0 {
		return fmt.Errorf("discovery.sweep_timeout_seconds must be positive")
	}

	if c.FolderSync.StabilityIntervalMillis <= 0 {
		return fmt.Errorf("folder_sync.stability_interval_millis must be positive")
	}
	if c.FolderSync.StabilitySamples <= 0 {
		return fmt.Errorf("folder_sync.stability_samples must be positive")
	}
	if c.FolderSync.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("folder_sync.max_file_size_bytes must be positive")
	}
	if c.FolderSync.UploadMaxAttempts <= 0 {
		return fmt.Errorf("folder_sync.upload_max_attempts must be positive")
	}
	if c.FolderSync.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("folder_sync.scan_interval_seconds must be positive")
	}
	if c.FolderSync.StatusReportEveryCycles <= 0 {
		return fmt.Errorf("folder_sync.status_report_every_cycles must be positive")
	}

	return nil
}

// GetStabilityInterval returns the stability sampling interval.
func (f *FolderSyncTuning) GetStabilityInterval() time.Duration {
	return time.Duration(f.StabilityIntervalMillis) * time.Millisecond
}

// GetScanInterval returns the folder-sync poll cadence.
func (f *FolderSyncTuning) GetScanInterval() time.Duration {
	return time.Duration(f.ScanIntervalSeconds) * time.Second
}

// GetMDNSBrowseWindow returns the per-service-type mDNS browse duration.
func (d *DiscoveryConfig) GetMDNSBrowseWindow() time.Duration {
	return time.Duration(d.MDNSBrowseSeconds) * time.Second
}

// GetProbeTimeout returns the per-probe HTTP timeout for the subnet fallback.
func (d *DiscoveryConfig) GetProbeTimeout() time.Duration {
	return time.Duration(d.ProbeTimeoutMillis) * time.Millisecond
}

// GetSweepTimeout returns the overall subnet fallback wall-clock cap.
func (d *DiscoveryConfig) GetSweepTimeout() time.Duration {
	return time.Duration(d.SweepTimeoutSecond) * time.Second
}

// GetUploadMaxAttempts returns the configured upload retry budget.
func (f *FolderSyncTuning) GetUploadMaxAttempts() int {
	return f.UploadMaxAttempts
}

// setDefaults fills in the fixed timing constants this agent ships with.
func setDefaults(cfg *Config) {
	if cfg.ControlAPI.Address == "" {
		cfg.ControlAPI.Address = "127.0.0.1"
	}
	if cfg.ControlAPI.Port == 0 {
		cfg.ControlAPI.Port = 47851
	}

	if cfg.Discovery.MDNSBrowseSeconds == 0 {
		cfg.Discovery.MDNSBrowseSeconds = 5
	}
	if cfg.Discovery.ProbeTimeoutMillis == 0 {
		cfg.Discovery.ProbeTimeoutMillis = 2000
	}
	if cfg.Discovery.SweepTimeoutSecond == 0 {
		cfg.Discovery.SweepTimeoutSecond = 30
	}

	if cfg.FolderSync.StabilityIntervalMillis == 0 {
		cfg.FolderSync.StabilityIntervalMillis = 1500
	}
	if cfg.FolderSync.StabilitySamples == 0 {
		cfg.FolderSync.StabilitySamples = 3
	}
	if cfg.FolderSync.MaxFileSizeBytes == 0 {
		cfg.FolderSync.MaxFileSizeBytes = 50 * 1024 * 1024
	}
	if cfg.FolderSync.UploadMaxAttempts == 0 {
		cfg.FolderSync.UploadMaxAttempts = 3
	}
	if cfg.FolderSync.ScanIntervalSeconds == 0 {
		cfg.FolderSync.ScanIntervalSeconds = 5
	}
	if cfg.FolderSync.StatusReportEveryCycles == 0 {
		cfg.FolderSync.StatusReportEveryCycles = 6
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("BRIDGE_CONTROL_PORT"); port != "" {
		_, _ = fmt.Sscanf(port, "%d", &cfg.ControlAPI.Port)
	}
	if addr := os.Getenv("BRIDGE_CONTROL_ADDRESS"); addr != "" {
		cfg.ControlAPI.Address = addr
	}
}
