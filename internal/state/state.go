// Package state holds the agent's single shared instance of runtime
// state — credentials, scanner registry, subsystem handles — and exposes
// the boot/pair/disconnect/configure-folder-sync/discover operations as
// pure transitions over that state, guarded by one lock.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/schurick1502/docflow-scanner-bridge/internal/discovery"
	"github.com/schurick1502/docflow-scanner-bridge/internal/folder"
	"github.com/schurick1502/docflow-scanner-bridge/internal/pairing"
	"github.com/schurick1502/docflow-scanner-bridge/internal/poller"
	"github.com/schurick1502/docflow-scanner-bridge/internal/vault"
)

// Version is the agent's own version string, reported in BridgeStatus.
var Version = "dev"

// BridgeStatus is the shell-observable snapshot of the agent.
type BridgeStatus struct {
	Connected        bool       `json:"connected"`
	DocflowURL       string     `json:"docflow_url,omitempty"`
	ScannerCount     int        `json:"scanner_count"`
	LastDiscovery    *time.Time `json:"last_discovery,omitempty"`
	Version          string     `json:"version"`
	PollerActive     bool       `json:"poller_active"`
	JobsProcessed    int        `json:"jobs_processed"`
	FolderSyncActive bool       `json:"folder_sync_active"`
	FolderSyncPath   string     `json:"folder_sync_path,omitempty"`
}

// FolderSyncConfig mirrors the spec's persisted folder-sync config blob.
type FolderSyncConfig struct {
	Enabled          bool                    `json:"enabled"`
	WatchPath        string                  `json:"watch_path"`
	PostUploadAction folder.PostUploadAction `json:"post_upload_action"`
}

// AgentState is the single shared mutable instance, guarded by one lock.
// Every public method is a pure transition: it computes the new fields
// and installs them under the lock, then does any side effects (starting
// or stopping subsystems) outside the critical section.
type AgentState struct {
	mu sync.Mutex

	vault   vault.Vault
	timing  discovery.Timing
	tuning  folder.Tuning

	apiKey     string
	docflowURL string
	connected  bool

	scanners      map[string]discovery.Scanner
	lastDiscovery *time.Time

	poller        *poller.Poller
	jobsProcessed int

	watcher        *folder.Watcher
	folderSyncPath string

	httpClient *http.Client
}

// New builds an AgentState backed by v. It does not yet run the boot
// sequence — call Boot for that.
func New(v vault.Vault, timing discovery.Timing, tuning folder.Tuning) *AgentState {
	return &AgentState{
		vault:      v,
		timing:     timing,
		tuning:     tuning,
		scanners:   make(map[string]discovery.Scanner),
		httpClient: &http.Client{},
	}
}

// Boot restores credentials and folder-sync config from the vault,
// starting the poller and, if configured, the folder watcher.
func (s *AgentState) Boot() {
	apiKey, hasKey, _ := s.vault.Get(vault.KeyAPIKey)
	docflowURL, hasURL, _ := s.vault.Get(vault.KeyDocflowURL)

	if hasKey && hasURL && apiKey != "" && docflowURL != "" {
		s.mu.Lock()
		s.apiKey = apiKey
		s.docflowURL = docflowURL
		s.connected = true
		s.mu.Unlock()

		s.startPoller()

		if cfg, ok := s.loadFolderSyncConfig(); ok && cfg.Enabled {
			if _, err := os.Stat(cfg.WatchPath); err == nil {
				s.startWatcher(cfg)
			} else {
				log.Printf("[state] folder sync configured but watch path missing: %s", cfg.WatchPath)
			}
		}
	}

	log.Printf("[state] boot complete: connected=%v", s.Status().Connected)
}

// Status renders the shell-visible snapshot.
func (s *AgentState) Status() BridgeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := BridgeStatus{
		Connected:     s.connected,
		DocflowURL:    s.docflowURL,
		ScannerCount:  len(s.scanners),
		LastDiscovery: s.lastDiscovery,
		Version:       Version,
		PollerActive:  s.poller != nil,
		JobsProcessed: s.jobsProcessed,
		FolderSyncActive: s.watcher != nil,
		FolderSyncPath:   s.folderSyncPath,
	}
	return status
}

// Pair redeems codeString/userURL, persists the resulting credentials,
// and starts a fresh Scan Poller.
func (s *AgentState) Pair(ctx context.Context, codeString, userURL string) error {
	creds, err := pairing.Pair(ctx, codeString, userURL)
	if err != nil {
		return err
	}

	if err := s.vault.Put(vault.KeyAPIKey, creds.APIKey); err != nil {
		log.Printf("[state] vault put api_key failed: %v", err)
	}
	if err := s.vault.Put(vault.KeyDocflowURL, creds.DocflowURL); err != nil {
		log.Printf("[state] vault put docflow_url failed: %v", err)
	}

	s.mu.Lock()
	s.apiKey = creds.APIKey
	s.docflowURL = creds.DocflowURL
	s.connected = true
	s.mu.Unlock()

	s.stopPollerIfRunning()
	s.startPoller()

	return nil
}

// Shutdown stops the poller and watcher without touching persisted
// credentials, for process exit rather than a user-initiated disconnect.
func (s *AgentState) Shutdown() {
	s.stopPollerIfRunning()
	s.stopWatcherIfRunning()
}

// Disconnect stops the poller and watcher, clears persisted and in-memory
// credentials, and resets status to defaults.
func (s *AgentState) Disconnect() {
	s.stopPollerIfRunning()
	s.stopWatcherIfRunning()

	if err := s.vault.Delete(vault.KeyAPIKey); err != nil {
		log.Printf("[state] vault delete api_key failed: %v", err)
	}
	vault.ClearAll(s.vault)

	s.mu.Lock()
	s.apiKey = ""
	s.docflowURL = ""
	s.connected = false
	s.scanners = make(map[string]discovery.Scanner)
	s.lastDiscovery = nil
	s.jobsProcessed = 0
	s.folderSyncPath = ""
	s.mu.Unlock()
}

// ConfigureFolderSync requires a connected agent, validates the directory,
// stops any current watcher, persists the config, and starts a new one.
func (s *AgentState) ConfigureFolderSync(watchPath string, action folder.PostUploadAction) error {
	if !s.Status().Connected {
		return fmt.Errorf("state: not connected")
	}
	if _, err := os.Stat(watchPath); err != nil {
		return fmt.Errorf("state: watch path does not exist: %w", err)
	}

	cfg := FolderSyncConfig{Enabled: true, WatchPath: watchPath, PostUploadAction: action}

	s.stopWatcherIfRunning()

	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("state: encode folder sync config: %w", err)
	}
	if err := s.vault.Put(vault.KeyFolderSyncConfig, string(blob)); err != nil {
		log.Printf("[state] vault put folder_sync_config failed: %v", err)
	}

	s.startWatcher(cfg)
	return nil
}

// StopFolderSync stops any running watcher without clearing the persisted
// config's enabled flag interpretation for the caller — callers wanting a
// full disable should also persist FolderSyncConfig.Enabled=false.
func (s *AgentState) StopFolderSync() {
	s.stopWatcherIfRunning()
}

// FolderSyncStatus returns the watcher's status, or the zero value if no
// watcher is running.
func (s *AgentState) FolderSyncStatus() folder.Status {
	s.mu.Lock()
	w := s.watcher
	s.mu.Unlock()
	if w == nil {
		return folder.Status{}
	}
	return w.Status()
}

// Discover runs the discovery engine, replaces the registry, and — if
// connected — pushes the new scanner set to the backend.
func (s *AgentState) Discover(ctx context.Context) ([]discovery.Scanner, error) {
	scanners, err := discovery.DiscoverAll(ctx, s.timing)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	byID := make(map[string]discovery.Scanner, len(scanners))
	for _, sc := range scanners {
		byID[sc.ID] = sc
	}

	s.mu.Lock()
	s.scanners = byID
	s.lastDiscovery = &now
	connected := s.connected
	baseURL := s.docflowURL
	apiKey := s.apiKey
	s.mu.Unlock()

	if connected {
		s.pushScanners(ctx, baseURL, apiKey, scanners)
	}

	return scanners, nil
}

// scannerCapabilities is the nested wire shape backend expects under each
// pushed scanner entry.
type scannerCapabilities struct {
	Duplex        bool     `json:"duplex"`
	ADF           bool     `json:"adf"`
	Flatbed       bool     `json:"flatbed"`
	MaxResolution uint     `json:"max_resolution"`
	ColorModes    []string `json:"color_modes"`
	Formats       []string `json:"formats"`
}

type scannerWire struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Manufacturer    string              `json:"manufacturer"`
	Model           string              `json:"model"`
	IP              string              `json:"ip"`
	Port            int                 `json:"port"`
	Protocols       []string            `json:"protocols"`
	DiscoveryMethod string              `json:"discovery_method"`
	Capabilities    scannerCapabilities `json:"capabilities"`
}

func toScannerWire(sc discovery.Scanner) scannerWire {
	return scannerWire{
		ID:              sc.ID,
		Name:            sc.Name,
		Manufacturer:    sc.Manufacturer,
		Model:           sc.Model,
		IP:              sc.IP,
		Port:            sc.Port,
		Protocols:       sc.Protocols,
		DiscoveryMethod: sc.DiscoveryMethod,
		Capabilities: scannerCapabilities{
			Duplex:        sc.Duplex,
			ADF:           sc.ADF,
			Flatbed:       sc.Flatbed,
			MaxResolution: sc.MaxResolution,
			ColorModes:    sc.ColorModes,
			Formats:       sc.Formats,
		},
	}
}

func (s *AgentState) pushScanners(ctx context.Context, baseURL, apiKey string, scanners []discovery.Scanner) {
	wire := make([]scannerWire, len(scanners))
	for i, sc := range scanners {
		wire[i] = toScannerWire(sc)
	}

	body, err := json.Marshal(map[string]any{"scanners": wire})
	if err != nil {
		log.Printf("[state] encode scanners push failed: %v", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/api/scanner/bridge/scanners", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("[state] push scanners failed: %v", err)
		return
	}
	resp.Body.Close()
}

func (s *AgentState) loadFolderSyncConfig() (FolderSyncConfig, bool) {
	blob, ok, err := s.vault.Get(vault.KeyFolderSyncConfig)
	if err != nil || !ok || blob == "" {
		return FolderSyncConfig{}, false
	}
	var cfg FolderSyncConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		log.Printf("[state] corrupt folder_sync_config in vault: %v", err)
		return FolderSyncConfig{}, false
	}
	return cfg, true
}

func (s *AgentState) startPoller() {
	s.mu.Lock()
	baseURL, apiKey := s.docflowURL, s.apiKey
	s.mu.Unlock()

	p := poller.New(baseURL, apiKey, s.lookupScanner, s.incrementJobsProcessed, nil)
	p.Start()

	s.mu.Lock()
	s.poller = p
	s.mu.Unlock()
}

func (s *AgentState) stopPollerIfRunning() {
	s.mu.Lock()
	p := s.poller
	s.poller = nil
	s.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

func (s *AgentState) incrementJobsProcessed() {
	s.mu.Lock()
	s.jobsProcessed++
	s.mu.Unlock()
}

func (s *AgentState) lookupScanner(id string) (poller.ScannerEndpoint, bool) {
	s.mu.Lock()
	sc, ok := s.scanners[id]
	s.mu.Unlock()
	if !ok {
		return poller.ScannerEndpoint{}, false
	}
	return poller.ScannerEndpoint{IP: sc.IP, Port: sc.Port, UseTLS: sc.UseTLS, RSPath: sc.RSPath}, true
}

func (s *AgentState) startWatcher(cfg FolderSyncConfig) {
	s.mu.Lock()
	baseURL, apiKey := s.docflowURL, s.apiKey
	s.mu.Unlock()

	w := folder.New(folder.Config{
		WatchPath:        cfg.WatchPath,
		PostUploadAction: cfg.PostUploadAction,
		BaseURL:          baseURL,
		APIKey:           apiKey,
	}, s.tuning)

	if err := w.Start(); err != nil {
		log.Printf("[state] failed to start folder watcher: %v", err)
		return
	}

	s.mu.Lock()
	s.watcher = w
	s.folderSyncPath = cfg.WatchPath
	s.mu.Unlock()
}

func (s *AgentState) stopWatcherIfRunning() {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.folderSyncPath = ""
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}
