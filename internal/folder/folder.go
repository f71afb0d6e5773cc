// Package folder implements the folder watcher: a periodic directory scan
// that gates files on size and stability, dedups by content hash, uploads
// with retry, and applies a post-upload disposition.
package folder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PostUploadAction is the disposition applied to a file once the backend
// has accepted it.
type PostUploadAction string

const (
	MoveToSubfolder PostUploadAction = "MoveToSubfolder"
	Delete          PostUploadAction = "Delete"
	Keep            PostUploadAction = "Keep"
)

// allowedExtensions, case-insensitive, matching the original folder sync
// tool's eligible-file list.
var allowedExtensions = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".tiff": true, ".tif": true,
}

// RetryPolicy parameterizes the upload retry cascade so tests can inject
// shorter delays without changing the production constants.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	On429Extra  time.Duration
}

// DefaultRetryPolicy matches the fixed production cascade: 3 attempts,
// 2^attempt second backoff, an extra 10s pause on HTTP 429.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, On429Extra: 10 * time.Second}
}

// Tuning holds the stability/size knobs, mirroring config.FolderSyncTuning
// without importing the config package (keeps this package testable in
// isolation).
type Tuning struct {
	StabilityInterval       time.Duration
	StabilitySamples        int
	MaxFileSizeBytes        int64
	ScanInterval            time.Duration
	StatusReportEveryCycles int
	Retry                   RetryPolicy
}

// DefaultTuning matches the fixed production constants.
func DefaultTuning() Tuning {
	return Tuning{
		StabilityInterval:       1500 * time.Millisecond,
		StabilitySamples:        3,
		MaxFileSizeBytes:        50 * 1024 * 1024,
		ScanInterval:            5 * time.Second,
		StatusReportEveryCycles: 6,
		Retry:                   DefaultRetryPolicy(),
	}
}

// Status mirrors the spec's FolderSyncStatus.
type Status struct {
	Running       bool
	WatchPath     string
	FilesUploaded int
	FilesPending  int
	Errors        int
	LastUpload    string
	LastError     string
}

// Config is the per-instance configuration a Watcher is started with.
type Config struct {
	WatchPath        string
	PostUploadAction PostUploadAction
	BaseURL          string
	APIKey           string
}

// Watcher is the long-lived folder-sync task. At most one should be alive
// per agent; state.AgentState owns replacement (stop predecessor, start
// successor).
type Watcher struct {
	cfg    Config
	tuning Tuning
	client *http.Client

	mu          sync.Mutex
	knownHashes map[string]bool
	status      Status
	cycleCount  int

	stopCh chan struct{}
	doneCh chan struct{}
	nudge  chan struct{}
}

// New builds a Watcher. It does not start the background loop.
func New(cfg Config, tuning Tuning) *Watcher {
	return &Watcher{
		cfg:         cfg,
		tuning:      tuning,
		client:      &http.Client{},
		knownHashes: make(map[string]bool),
		status:      Status{WatchPath: cfg.WatchPath},
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		nudge:       make(chan struct{}, 1),
	}
}

// Start launches the scan loop and an fsnotify-backed rescan nudge. The
// 5s periodic scan remains authoritative — fsnotify only shortens the
// wait before the next scan, since network-mounted watch paths (SMB
// shares) may not generate filesystem events at all.
func (w *Watcher) Start() error {
	w.mu.Lock()
	w.status.Running = true
	w.mu.Unlock()

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[folder] fsnotify unavailable, falling back to pure polling: %v", err)
	} else if err := fsWatcher.Add(w.cfg.WatchPath); err != nil {
		log.Printf("[folder] fsnotify could not watch %s: %v", w.cfg.WatchPath, err)
		fsWatcher.Close()
		fsWatcher = nil
	}

	if fsWatcher != nil {
		go w.watchFSEvents(fsWatcher)
	}

	go w.loop()
	return nil
}

// Stop flips the running flag, lets the in-flight cycle drain, and pushes
// a final status with folder_sync_enabled=false.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.status.Running = false
	final := w.status
	w.mu.Unlock()

	w.reportStatus(final, false)
}

// Status returns a snapshot of the watcher's current status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Watcher) watchFSEvents(fsWatcher *fsnotify.Watcher) {
	defer fsWatcher.Close()
	for {
		select {
		case <-w.stopCh:
			return
		case _, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			select {
			case w.nudge <- struct{}{}:
			default:
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[folder] fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.tuning.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.scanOnce()

		w.mu.Lock()
		w.cycleCount++
		shouldReport := w.cycleCount%w.tuning.StatusReportEveryCycles == 0
		status := w.status
		w.mu.Unlock()

		if shouldReport {
			w.reportStatus(status, true)
		}

		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

func (w *Watcher) scanOnce() {
	entries, err := os.ReadDir(w.cfg.WatchPath)
	if err != nil {
		log.Printf("[folder] failed to read %s: %v", w.cfg.WatchPath, err)
		return
	}

	pending := 0
	for _, entry := range entries {
		if entry.IsDir() || !eligible(entry.Name()) {
			continue
		}
		if !w.isUploaded(filepath.Join(w.cfg.WatchPath, entry.Name())) {
			pending++
		}
	}
	w.mu.Lock()
	w.status.FilesPending = pending
	w.mu.Unlock()

	for _, entry := range entries {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if entry.IsDir() {
			continue
		}
		if !eligible(entry.Name()) {
			continue
		}
		w.processFile(filepath.Join(w.cfg.WatchPath, entry.Name()))
	}
}

func eligible(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return allowedExtensions[ext]
}

// isUploaded reports whether path's current content hash has already been
// uploaded this watcher's lifetime, the same identity check processFile uses
// for dedup. Backs the per-cycle FilesPending count.
func (w *Watcher) isUploaded(path string) bool {
	hash, _, err := hashFile(path)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.knownHashes[hash]
}

func (w *Watcher) processFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return // vanished between listing and stat; skip silently
	}

	if info.Size() > w.tuning.MaxFileSizeBytes {
		w.recordError(fmt.Sprintf("%s: file exceeds maximum size", filepath.Base(path)))
		return
	}

	stableSize, stable := w.checkStable(path)
	if !stable {
		return
	}
	if stableSize == 0 {
		return
	}

	hash, data, err := hashFile(path)
	if err != nil {
		w.recordError(fmt.Sprintf("%s: %v", filepath.Base(path), err))
		return
	}

	w.mu.Lock()
	isDuplicate := w.knownHashes[hash]
	w.mu.Unlock()

	if !isDuplicate {
		if err := w.uploadWithRetry(path, hash, data); err != nil {
			w.recordError(fmt.Sprintf("%s: %v", filepath.Base(path), err))
			return
		}
		w.mu.Lock()
		w.knownHashes[hash] = true
		w.status.FilesUploaded++
		w.status.LastUpload = filepath.Base(path)
		w.mu.Unlock()
	}

	if err := w.applyPostAction(path); err != nil {
		w.recordError(fmt.Sprintf("%s: post-upload action failed: %v", filepath.Base(path), err))
	}
}

// checkStable samples size three times at the configured interval,
// accepting only when all samples agree and are non-zero.
func (w *Watcher) checkStable(path string) (int64, bool) {
	var last int64 = -1
	for i := 0; i < w.tuning.StabilitySamples; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return 0, false
		}
		if i > 0 && info.Size() != last {
			return 0, false
		}
		last = info.Size()
		if i < w.tuning.StabilitySamples-1 {
			select {
			case <-w.stopCh:
				return 0, false
			case <-time.After(w.tuning.StabilityInterval):
			}
		}
	}
	return last, true
}

func hashFile(path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read file: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), data, nil
}

func (w *Watcher) uploadWithRetry(path, hash string, data []byte) error {
	policy := w.tuning.Retry

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		status, err := w.uploadOnce(path, hash, data)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<uint(attempt-1))
		if status == http.StatusTooManyRequests {
			delay += policy.On429Extra
		}
		select {
		case <-w.stopCh:
			return lastErr
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("upload failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

func (w *Watcher) uploadOnce(path, hash string, data []byte) (int, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return 0, fmt.Errorf("build multipart file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, fmt.Errorf("write multipart body: %w", err)
	}
	if err := writer.WriteField("file_hash", hash); err != nil {
		return 0, fmt.Errorf("write file_hash field: %w", err)
	}
	if err := writer.WriteField("original_path", path); err != nil {
		return 0, fmt.Errorf("write original_path field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+"/api/scanner/bridge/folder-upload", body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	log.Printf("[folder] upload accepted: %s (%s)", filepath.Base(path), string(respBody))
	return resp.StatusCode, nil
}

func (w *Watcher) applyPostAction(path string) error {
	switch w.cfg.PostUploadAction {
	case Delete:
		return os.Remove(path)
	case Keep:
		return nil
	case MoveToSubfolder, "":
		dir := filepath.Join(filepath.Dir(path), "uploaded")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create uploaded subfolder: %w", err)
		}
		dest := filepath.Join(dir, filepath.Base(path))
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("destination already exists: %s", dest)
		}
		return os.Rename(path, dest)
	default:
		return fmt.Errorf("unknown post-upload action: %s", w.cfg.PostUploadAction)
	}
}

func (w *Watcher) recordError(msg string) {
	w.mu.Lock()
	w.status.Errors++
	w.status.LastError = msg
	w.mu.Unlock()
	log.Printf("[folder] %s", msg)
}

func (w *Watcher) reportStatus(status Status, enabled bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := fmt.Sprintf(
		`{"folder_sync_enabled":%v,"watched_folder":%q,"files_uploaded":%d,"files_pending":%d,"errors":%d,"last_sync_at":%q}`,
		enabled, status.WatchPath, status.FilesUploaded, status.FilesPending, status.Errors, time.Now().UTC().Format(time.RFC3339),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+"/api/scanner/bridge/folder-sync-status", strings.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		log.Printf("[folder] status report failed: %v", err)
		return
	}
	resp.Body.Close()
}
