// Package poller implements the Scan Poller: a long-lived loop that pulls
// pending scan commands from the backend, dispatches them to the eSCL
// client, uploads results, and reports per-job errors.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/schurick1502/docflow-scanner-bridge/internal/escl"
)

// ScannerEndpoint is the subset of a registered scanner the poller needs
// to invoke the eSCL client against it.
type ScannerEndpoint struct {
	IP     string
	Port   int
	UseTLS bool
	RSPath string
}

// ScannerLookup resolves a scannerId against the shared registry.
type ScannerLookup func(scannerID string) (ScannerEndpoint, bool)

// Command mirrors the backend-supplied ScanCommand.
type Command struct {
	JobID      string `json:"jobId"`
	ScannerID  string `json:"scannerId"`
	Resolution int    `json:"resolution"`
	ColorMode  string `json:"colorMode"`
	Source     string `json:"source"`
	Duplex     bool   `json:"duplex"`
	Format     string `json:"format"`
}

type pendingScansResponse struct {
	Jobs []Command `json:"jobs"`
}

const (
	pollInterval  = 2 * time.Second
	pollTimeout   = 10 * time.Second
	uploadTimeout = 60 * time.Second
	reportTimeout = 10 * time.Second
)

// Poller is the long-lived backend command loop. At most one should be
// alive per agent.
type Poller struct {
	baseURL string
	apiKey  string
	lookup  ScannerLookup
	client  *escl.Client

	onJobProcessed func()
	onPollError    func(err error)

	httpClient *http.Client

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Poller against baseURL/apiKey, resolving scanners via lookup.
func New(baseURL, apiKey string, lookup ScannerLookup, onJobProcessed func(), onPollError func(err error)) *Poller {
	return &Poller{
		baseURL:        baseURL,
		apiKey:         apiKey,
		lookup:         lookup,
		client:         escl.New(),
		onJobProcessed: onJobProcessed,
		onPollError:    onPollError,
		httpClient:     &http.Client{},
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the poll loop in the background.
func (p *Poller) Start() {
	go p.loop()
}

// Stop flips the running flag and waits for the current cycle to drain.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) loop() {
	defer close(p.doneCh)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.cycle()

		select {
		case <-p.stopCh:
			return
		case <-time.After(pollInterval):
		}
	}
}

func (p *Poller) cycle() {
	jobs, err := p.fetchPendingScans()
	if err != nil {
		if isUnauthorized(err) {
			// Credentials may still be propagating after a fresh pairing;
			// 401s here are an expected transient, not an error to surface.
			return
		}
		log.Printf("[poller] poll failed: %v", err)
		if p.onPollError != nil {
			p.onPollError(err)
		}
		return
	}

	for _, cmd := range jobs {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.processCommand(cmd)
	}
}

func (p *Poller) fetchPendingScans() ([]Command, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/scanner/bridge/pending-scans", nil)
	if err != nil {
		return nil, fmt.Errorf("poller: build pending-scans request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poller: pending-scans request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, unauthorizedError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("poller: pending-scans failed with status %d", resp.StatusCode)
	}

	var decoded pendingScansResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("poller: decode pending-scans response: %w", err)
	}
	return decoded.Jobs, nil
}

type unauthorizedError struct{}

func (unauthorizedError) Error() string { return "poller: unauthorized" }

func isUnauthorized(err error) bool {
	_, ok := err.(unauthorizedError)
	return ok
}

func (p *Poller) processCommand(cmd Command) {
	endpoint, ok := p.lookup(cmd.ScannerID)
	if !ok {
		p.reportError(cmd.JobID, fmt.Sprintf("Scanner '%s' nicht gefunden", cmd.ScannerID))
		return
	}

	ctx := context.Background()
	result, err := p.client.Scan(ctx, endpoint.IP, endpoint.Port, endpoint.UseTLS, endpoint.RSPath, escl.Command{
		JobID:      cmd.JobID,
		Resolution: cmd.Resolution,
		ColorMode:  cmd.ColorMode,
		Source:     cmd.Source,
		Duplex:     cmd.Duplex,
		Format:     cmd.Format,
	})
	if err != nil {
		p.reportError(cmd.JobID, err.Error())
		return
	}
	if len(result.Pages) == 0 {
		p.reportError(cmd.JobID, "Keine Seiten gescannt")
		return
	}

	// Only the first page of a multi-page scan is uploaded here. Whether
	// the backend reassembles the rest is unresolved; kept as-is rather
	// than guessed at.
	firstPage := result.Pages[0]

	if err := p.uploadResult(cmd.JobID, firstPage.Data); err != nil {
		p.reportError(cmd.JobID, err.Error())
		return
	}

	if p.onJobProcessed != nil {
		p.onJobProcessed()
	}
}

func (p *Poller) uploadResult(jobID string, pageData []byte) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "scan.pdf")
	if err != nil {
		return fmt.Errorf("poller: build upload form: %w", err)
	}
	if _, err := part.Write(pageData); err != nil {
		return fmt.Errorf("poller: write upload body: %w", err)
	}
	if err := writer.WriteField("success", "true"); err != nil {
		return fmt.Errorf("poller: write success field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("poller: close upload form: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/scanner/bridge/scan-upload/"+jobID, body)
	if err != nil {
		return fmt.Errorf("poller: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poller: upload request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("poller: upload failed with status %d", resp.StatusCode)
	}
	return nil
}

// reportError posts a per-job failure report. Errors from the report call
// itself are swallowed, matching the original bridge's "best effort"
// posture for error telemetry.
func (p *Poller) reportError(jobID, message string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "error.txt")
	if err == nil {
		part.Write(nil)
	}
	writer.WriteField("success", "false")
	writer.WriteField("error_message", message)
	writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/scanner/bridge/scan-upload/"+jobID, body)
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		log.Printf("[poller] error report for job %s failed: %v", jobID, err)
		return
	}
	resp.Body.Close()
}
