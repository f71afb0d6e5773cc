package state

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/schurick1502/docflow-scanner-bridge/internal/discovery"
	"github.com/schurick1502/docflow-scanner-bridge/internal/folder"
	"github.com/schurick1502/docflow-scanner-bridge/internal/vault"
)

func newTestState() *AgentState {
	return New(vault.NewMemory(), discovery.DefaultTiming(), folder.DefaultTuning())
}

func TestFreshStateIsDisconnected(t *testing.T) {
	s := newTestState()
	status := s.Status()
	if status.Connected {
		t.Error("expected fresh agent state to be disconnected")
	}
	if status.PollerActive {
		t.Error("expected no poller running before pairing")
	}
}

func TestPairStartsPollerAndPersistsCredentials(t *testing.T) {
	v := vault.NewMemory()
	s := New(v, discovery.DefaultTiming(), folder.DefaultTuning())

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/scanner/bridge/register":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"api_key":     "secret-key",
				"docflow_url": "http://" + r.Host,
			})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer backend.Close()

	code, _ := json.Marshal(map[string]string{
		"docflow_url":   backend.URL,
		"pairing_token": "tok",
		"bridge_name":   "test",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Pair(ctx, string(code), ""); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	status := s.Status()
	if !status.Connected {
		t.Error("expected connected=true after pairing")
	}
	if !status.PollerActive {
		t.Error("expected poller to be running after pairing")
	}

	apiKey, ok, err := v.Get(vault.KeyAPIKey)
	if err != nil || !ok || apiKey != "secret-key" {
		t.Errorf("expected api_key persisted in vault, got %q ok=%v err=%v", apiKey, ok, err)
	}

	s.Shutdown()
}

func TestDisconnectIsFinal(t *testing.T) {
	v := vault.NewMemory()
	s := New(v, discovery.DefaultTiming(), folder.DefaultTuning())

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"api_key": "k", "docflow_url": "http://" + r.Host})
	}))
	defer backend.Close()

	code, _ := json.Marshal(map[string]string{
		"docflow_url": backend.URL, "pairing_token": "tok", "bridge_name": "test",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Pair(ctx, string(code), ""); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	s.Disconnect()

	status := s.Status()
	if status.Connected {
		t.Error("expected disconnected after Disconnect")
	}
	if status.PollerActive {
		t.Error("expected poller stopped after Disconnect")
	}

	if _, ok, _ := v.Get(vault.KeyAPIKey); ok {
		t.Error("expected api_key removed from vault after Disconnect")
	}

	// Disconnect must be final: a second call is a harmless no-op, not a
	// partial or re-entrant transition.
	s.Disconnect()
	if s.Status().Connected {
		t.Error("expected a repeated Disconnect to remain a no-op")
	}
}

func TestConfigureFolderSyncRequiresConnection(t *testing.T) {
	s := newTestState()
	dir := t.TempDir()

	if err := s.ConfigureFolderSync(dir, folder.Keep); err == nil {
		t.Error("expected ConfigureFolderSync to fail when not connected")
	}
}

func TestConfigureFolderSyncRejectsMissingPath(t *testing.T) {
	v := vault.NewMemory()
	s := New(v, discovery.DefaultTiming(), folder.DefaultTuning())

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"api_key": "k", "docflow_url": "http://" + r.Host})
	}))
	defer backend.Close()

	code, _ := json.Marshal(map[string]string{
		"docflow_url": backend.URL, "pairing_token": "tok", "bridge_name": "test",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Pair(ctx, string(code), ""); err != nil {
		t.Fatalf("pair failed: %v", err)
	}
	defer s.Shutdown()

	if err := s.ConfigureFolderSync("/does/not/exist/anywhere", folder.Keep); err == nil {
		t.Error("expected ConfigureFolderSync to reject a nonexistent path")
	}
}
