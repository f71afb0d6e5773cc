package folder

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func fastTuning() Tuning {
	return Tuning{
		StabilityInterval:       10 * time.Millisecond,
		StabilitySamples:        3,
		MaxFileSizeBytes:        1024,
		ScanInterval:            20 * time.Millisecond,
		StatusReportEveryCycles: 1000, // effectively disable telemetry noise in tests
		Retry:                   RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, On429Extra: 5 * time.Millisecond},
	}
}

func TestFolderDedupUploadsOnce(t *testing.T) {
	dir := t.TempDir()

	var uploadCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/scanner/bridge/folder-upload":
			atomic.AddInt32(&uploadCount, 1)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	content := []byte("duplicate bytes")
	mustWrite(t, filepath.Join(dir, "a.pdf"), content)
	mustWrite(t, filepath.Join(dir, "b.pdf"), content)

	watcher := New(Config{WatchPath: dir, PostUploadAction: Keep, BaseURL: srv.URL, APIKey: "k"}, fastTuning())
	watcher.scanOnce()
	watcher.scanOnce()

	if got := atomic.LoadInt32(&uploadCount); got != 1 {
		t.Errorf("expected exactly 1 upload for duplicate content, got %d", got)
	}
	if watcher.Status().FilesUploaded != 1 {
		t.Errorf("expected FilesUploaded=1, got %d", watcher.Status().FilesUploaded)
	}
}

func TestFolderSizeGateRejectsLargeFile(t *testing.T) {
	dir := t.TempDir()

	var uploadCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadCount, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	big := make([]byte, 2048)
	mustWrite(t, filepath.Join(dir, "big.pdf"), big)

	watcher := New(Config{WatchPath: dir, PostUploadAction: Keep, BaseURL: srv.URL, APIKey: "k"}, fastTuning())
	watcher.scanOnce()

	if got := atomic.LoadInt32(&uploadCount); got != 0 {
		t.Errorf("expected no upload attempted for oversized file, got %d calls", got)
	}
	status := watcher.Status()
	if status.Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", status.Errors)
	}
	if _, err := os.Stat(filepath.Join(dir, "big.pdf")); err != nil {
		t.Errorf("expected oversized file to remain untouched: %v", err)
	}
}

func TestFolderStabilityGateRejectsGrowingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "growing.pdf")
	mustWrite(t, path, []byte("a"))

	var uploadCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&uploadCount, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	watcher := New(Config{WatchPath: dir, PostUploadAction: Keep, BaseURL: srv.URL, APIKey: "k"}, fastTuning())

	done := make(chan struct{})
	go func() {
		watcher.processFile(path)
		close(done)
	}()

	// Keep appending so every stability sample disagrees with the last.
	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		_, _ = f.WriteString("x")
		f.Close()
	}
	<-done

	if got := atomic.LoadInt32(&uploadCount); got != 0 {
		t.Errorf("expected a growing file to never be uploaded, got %d upload attempts", got)
	}
}

func TestFolderRetryBackoffEventuallySucceeds(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "doc.pdf"), []byte("payload"))

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	watcher := New(Config{WatchPath: dir, PostUploadAction: Keep, BaseURL: srv.URL, APIKey: "k"}, fastTuning())

	start := time.Now()
	watcher.scanOnce()
	elapsed := time.Since(start)

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if watcher.Status().FilesUploaded != 1 {
		t.Errorf("expected eventual success to count as uploaded, got %d", watcher.Status().FilesUploaded)
	}
	minExpected := fastTuning().Retry.BaseDelay + 2*fastTuning().Retry.BaseDelay
	if elapsed < minExpected {
		t.Errorf("expected backoff wait >= %v, got %v", minExpected, elapsed)
	}
}

func TestFolderPostActionMoveToSubfolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")
	mustWrite(t, path, []byte("content"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	watcher := New(Config{WatchPath: dir, PostUploadAction: MoveToSubfolder, BaseURL: srv.URL, APIKey: "k"}, fastTuning())
	watcher.scanOnce()

	if _, err := os.Stat(path); err == nil {
		t.Error("expected source file to be moved out of the watch path")
	}
	if _, err := os.Stat(filepath.Join(dir, "uploaded", "doc.pdf")); err != nil {
		t.Errorf("expected file to land in uploaded/ subfolder: %v", err)
	}
}

func TestFolderFilesPendingReflectsBacklog(t *testing.T) {
	dir := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	mustWrite(t, filepath.Join(dir, "a.pdf"), []byte("aaa"))
	mustWrite(t, filepath.Join(dir, "b.pdf"), []byte("bbb"))

	watcher := New(Config{WatchPath: dir, PostUploadAction: Keep, BaseURL: srv.URL, APIKey: "k"}, fastTuning())
	watcher.scanOnce()

	if got := watcher.Status().FilesPending; got != 2 {
		t.Errorf("expected 2 files pending before the first upload, got %d", got)
	}
	if got := watcher.Status().FilesUploaded; got != 2 {
		t.Fatalf("expected both files uploaded after one cycle, got %d", got)
	}

	watcher.scanOnce()
	if got := watcher.Status().FilesPending; got != 0 {
		t.Errorf("expected 0 files pending once both are already uploaded, got %d", got)
	}

	mustWrite(t, filepath.Join(dir, "c.pdf"), []byte("ccc"))
	watcher.scanOnce()
	if got := watcher.Status().FilesPending; got != 1 {
		t.Errorf("expected 1 file pending after dropping a new file, got %d", got)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write fixture file %s: %v", path, err)
	}
}
