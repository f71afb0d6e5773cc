//go:build integration
// +build integration

package service

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/schurick1502/docflow-scanner-bridge/internal/config"
)

// TestE2EServiceLifecycle boots a full Service, hits the control API over
// real HTTP, and shuts it down cleanly.
func TestE2EServiceLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.Config{
		ControlAPI: config.ControlAPIConfig{Address: "127.0.0.1", Port: 18090},
		Discovery: config.DiscoveryConfig{
			MDNSBrowseSeconds:  1,
			ProbeTimeoutMillis: 200,
			SweepTimeoutSecond: 2,
		},
		FolderSync: config.FolderSyncTuning{
			StabilityIntervalMillis: 100,
			StabilitySamples:        2,
			MaxFileSizeBytes:        1024,
			UploadMaxAttempts:       2,
			ScanIntervalSeconds:     1,
			StatusReportEveryCycles: 10,
		},
	}

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Start() }()

	time.Sleep(150 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/status", cfg.ControlAPI.Port))
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var status struct {
		Connected bool `json:"connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if status.Connected {
		t.Error("expected a freshly booted bridge to be disconnected")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("service did not shut down in time")
	}
}
