package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	configContent := `
control_api:
  address: "127.0.0.1"
  port: 47851
  basic_auth:
    enabled: true
    username: shell
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"

discovery:
  mdns_browse_seconds: 5
  probe_timeout_millis: 2000
  sweep_timeout_seconds: 30

folder_sync:
  stability_interval_millis: 1500
  stability_samples: 3
  max_file_size_bytes: 52428800
  upload_max_attempts: 3
  scan_interval_seconds: 5
  status_report_every_cycles: 6
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load valid config: %v", err)
	}

	if cfg.ControlAPI.Port != 47851 {
		t.Errorf("expected port 47851, got %d", cfg.ControlAPI.Port)
	}
	if cfg.ControlAPI.Address != "127.0.0.1" {
		t.Errorf("expected address 127.0.0.1, got %s", cfg.ControlAPI.Address)
	}
	if !cfg.ControlAPI.BasicAuth.Enabled {
		t.Error("expected basic auth enabled")
	}
	if cfg.Discovery.MDNSBrowseSeconds != 5 {
		t.Errorf("expected mdns_browse_seconds 5, got %d", cfg.Discovery.MDNSBrowseSeconds)
	}
	if cfg.FolderSync.StabilitySamples != 3 {
		t.Errorf("expected stability_samples 3, got %d", cfg.FolderSync.StabilitySamples)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config with empty body: %v", err)
	}

	if cfg.ControlAPI.Port != 47851 {
		t.Errorf("expected default port 47851, got %d", cfg.ControlAPI.Port)
	}
	if cfg.ControlAPI.Address != "127.0.0.1" {
		t.Errorf("expected default address 127.0.0.1, got %s", cfg.ControlAPI.Address)
	}
	if cfg.Discovery.GetMDNSBrowseWindow().Seconds() != 5 {
		t.Errorf("expected default mdns browse window 5s, got %v", cfg.Discovery.GetMDNSBrowseWindow())
	}
	if cfg.FolderSync.MaxFileSizeBytes != 50*1024*1024 {
		t.Errorf("expected default max file size 50MB, got %d", cfg.FolderSync.MaxFileSizeBytes)
	}
	if cfg.FolderSync.UploadMaxAttempts != 3 {
		t.Errorf("expected default upload_max_attempts 3, got %d", cfg.FolderSync.UploadMaxAttempts)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yml")

	invalidContent := `
control_api:
  port: "not a number"
  invalid yaml [[[
`

	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("expected error loading invalid YAML, got nil")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	if err == nil {
		t.Fatal("expected error loading missing file, got nil")
	}
}

func TestValidateInvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too large", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseValidConfig()
			cfg.ControlAPI.Port = tt.port

			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for port %d, got nil", tt.port)
			}
		})
	}
}

func TestValidateBasicAuthRequiresCredential(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ControlAPI.BasicAuth = BasicAuthConfig{Enabled: true}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for basic auth with no username/password, got nil")
	}
}

func TestValidateBasicAuthRejectsBothPasswordForms(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ControlAPI.BasicAuth = BasicAuthConfig{
		Enabled:      true,
		Username:     "shell",
		Password:     "plain",
		PasswordHash: "$2a$10$x",
	}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error when both password and password_hash set, got nil")
	}
}

func TestValidateDiscoveryTiming(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Discovery.SweepTimeoutSecond = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero sweep timeout, got nil")
	}
}

func TestValidateFolderSyncTiming(t *testing.T) {
	cfg := baseValidConfig()
	cfg.FolderSync.StabilitySamples = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero stability_samples, got nil")
	}
}

func TestEnvOverrides(t *testing.T) {
	os.Setenv("BRIDGE_CONTROL_PORT", "9090")
	os.Setenv("BRIDGE_CONTROL_ADDRESS", "0.0.0.0")
	defer func() {
		os.Unsetenv("BRIDGE_CONTROL_PORT")
		os.Unsetenv("BRIDGE_CONTROL_ADDRESS")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yml")

	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.ControlAPI.Port != 9090 {
		t.Errorf("expected port 9090 from env override, got %d", cfg.ControlAPI.Port)
	}
	if cfg.ControlAPI.Address != "0.0.0.0" {
		t.Errorf("expected address 0.0.0.0 from env override, got %s", cfg.ControlAPI.Address)
	}
}

func TestGetDurationHelpers(t *testing.T) {
	fs := FolderSyncTuning{StabilityIntervalMillis: 1500, ScanIntervalSeconds: 5}
	if fs.GetStabilityInterval().Milliseconds() != 1500 {
		t.Errorf("expected 1500ms, got %v", fs.GetStabilityInterval())
	}
	if fs.GetScanInterval().Seconds() != 5 {
		t.Errorf("expected 5s, got %v", fs.GetScanInterval())
	}

	d := DiscoveryConfig{MDNSBrowseSeconds: 5, ProbeTimeoutMillis: 2000, SweepTimeoutSecond: 30}
	if d.GetMDNSBrowseWindow().Seconds() != 5 {
		t.Errorf("expected 5s browse window, got %v", d.GetMDNSBrowseWindow())
	}
	if d.GetProbeTimeout().Milliseconds() != 2000 {
		t.Errorf("expected 2000ms probe timeout, got %v", d.GetProbeTimeout())
	}
	if d.GetSweepTimeout().Seconds() != 30 {
		t.Errorf("expected 30s sweep timeout, got %v", d.GetSweepTimeout())
	}
}

func baseValidConfig() *Config {
	return &Config{
		ControlAPI: ControlAPIConfig{Address: "127.0.0.1", Port: 47851},
		Discovery:  DiscoveryConfig{MDNSBrowseSeconds: 5, ProbeTimeoutMillis: 2000, SweepTimeoutSecond: 30},
		FolderSync: FolderSyncTuning{
			StabilityIntervalMillis: 1500,
			StabilitySamples:        3,
			MaxFileSizeBytes:        50 * 1024 * 1024,
			UploadMaxAttempts:       3,
			ScanIntervalSeconds:     5,
			StatusReportEveryCycles: 6,
		},
	}
}
