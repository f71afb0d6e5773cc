// Package escl drives a single eSCL scan against one scanner endpoint:
// job creation with busy-conflict recovery, then page-by-page retrieval.
package escl

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Command is the inbound instruction to execute against a scanner.
type Command struct {
	JobID      string
	Resolution int
	ColorMode  string
	Source     string // "flatbed" or "adf"
	Duplex     bool
	Format     string // logical: "pdf" -> application/pdf, else image/jpeg
}

// Page is one retrieved scanned page.
type Page struct {
	PageNumber int
	Format     string
	Data       []byte
}

// Result is the accumulated output of one scan.
type Result struct {
	JobID string
	Pages []Page
}

const overallTimeout = 120 * time.Second

// busy-retry cascade constants, per the fixed recovery policy.
const (
	maxJobCreateAttempts = 4
	busyRetryPause       = 3 * time.Second
	cleanupPause         = 2 * time.Second
	retrievePollInterval = 500 * time.Millisecond
)

// Client performs one-shot scans. It holds no per-scanner state; callers
// supply the endpoint on every call.
type Client struct {
	httpClient *http.Client
}

// New returns a Client with TLS verification disabled, matching scanners
// that present self-signed certificates bound to their mDNS name.
func New() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
		},
	}
}

// Scan drives PreCheck -> JobCreate -> Retrieve -> Done against one
// scanner endpoint.
func (c *Client) Scan(ctx context.Context, ip string, port int, useTLS bool, rsPath string, cmd Command) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	base := baseURL(ip, port, useTLS, rsPath)

	c.preCheck(ctx, base)

	jobURL, err := c.createJob(ctx, base, cmd)
	if err != nil {
		return Result{}, err
	}

	pages, err := c.retrieve(ctx, jobURL, cmd.Format)
	if err != nil {
		return Result{}, err
	}

	return Result{JobID: newJobID(), Pages: pages}, nil
}

func baseURL(ip string, port int, useTLS bool, rsPath string) string {
	scheme := "http"
	if useTLS || port == 443 {
		scheme = "https"
	}
	host := ip
	if strings.Contains(ip, ":") {
		host = "[" + ip + "]"
	}
	rsPath = strings.TrimPrefix(rsPath, "/")
	return fmt.Sprintf("%s://%s:%d/%s", scheme, host, port, rsPath)
}

// preCheck opportunistically evicts stale jobs left over from a previous
// session. All failures here are ignored — it is cleanup, not a precondition.
func (c *Client) preCheck(ctx context.Context, base string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/ScannerStatus", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(body), "\n") {
		if !strings.Contains(line, "JobUri") && !strings.Contains(line, "jobUri") {
			continue
		}
		idx := strings.Index(line, "/eSCL/")
		if idx < 0 {
			continue
		}
		rest := line[idx:]
		end := strings.Index(rest, "<")
		if end < 0 {
			end = len(rest)
		}
		path := rest[:end]

		delReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, schemeHost(base)+path, nil)
		if err != nil {
			continue
		}
		resp2, err := c.httpClient.Do(delReq)
		if err != nil {
			continue
		}
		resp2.Body.Close()
	}
}

func schemeHost(base string) string {
	idx := strings.Index(base, "://")
	if idx < 0 {
		return base
	}
	rest := base[idx+3:]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return base
	}
	return base[:idx+3+slash]
}

// createJob implements the busy (409) retry cascade: up to 4 attempts,
// 3s pause between, and on attempt index >= 2 a best-effort sweep of
// ScanJobs 1..20 before an extra 2s pause.
func (c *Client) createJob(ctx context.Context, base string, cmd Command) (string, error) {
	body, err := buildScanSettings(cmd)
	if err != nil {
		return "", fmt.Errorf("escl: build scan settings: %w", err)
	}

	for attempt := 1; attempt <= maxJobCreateAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/ScanJobs", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("escl: build job create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/xml")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("escl: job create request: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return "", fmt.Errorf("escl: Keine Job-URL erhalten")
			}
			return loc, nil

		case resp.StatusCode == http.StatusConflict:
			resp.Body.Close()
			if attempt >= maxJobCreateAttempts {
				return "", fmt.Errorf("escl: Scanner dauerhaft busy")
			}
			if attempt >= 2 {
				c.sweepStaleJobs(ctx, base)
				sleep(ctx, cleanupPause)
			}
			sleep(ctx, busyRetryPause)

		default:
			status := resp.StatusCode
			resp.Body.Close()
			return "", fmt.Errorf("escl: job create failed with status %d", status)
		}
	}

	return "", fmt.Errorf("escl: Scanner dauerhaft busy")
}

// sweepStaleJobs best-effort deletes ScanJobs 1..20; every error is ignored.
func (c *Client) sweepStaleJobs(ctx context.Context, base string) {
	for n := 1; n <= 20; n++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/ScanJobs/%d", base, n), nil)
		if err != nil {
			continue
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
	}
}

// retrieve pulls pages from jobURL/NextDocument until a 404 terminates the
// job. Non-404/2xx responses are treated as "still processing" and
// retried after a short wait; the only cap is the overall client timeout.
func (c *Client) retrieve(ctx context.Context, jobURL, format string) ([]Page, error) {
	var pages []Page
	pageNumber := 1

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL+"/NextDocument", nil)
		if err != nil {
			return nil, fmt.Errorf("escl: build retrieve request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("escl: retrieve request: %w", err)
		}

		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return pages, nil
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("escl: read page body: %w", err)
			}
			pages = append(pages, Page{PageNumber: pageNumber, Format: format, Data: data})
			pageNumber++
			continue
		}

		resp.Body.Close()
		if err := sleepCtx(ctx, retrievePollInterval); err != nil {
			return nil, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	_ = sleepCtx(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ScanSettings is the XML body posted to ScanJobs, shaped per §4.C.
type ScanSettings struct {
	XMLName        xml.Name `xml:"scan:ScanSettings"`
	XMLNSPWG       string   `xml:"xmlns:pwg,attr"`
	XMLNSScan      string   `xml:"xmlns:scan,attr"`
	Intent         string   `xml:"scan:Intent"`
	ScanRegions    regions  `xml:"pwg:ScanRegions"`
	InputSource    string   `xml:"pwg:InputSource"`
	XResolution    int      `xml:"scan:XResolution"`
	YResolution    int      `xml:"scan:YResolution"`
	ColorMode      string   `xml:"scan:ColorMode"`
	DocumentFormat string   `xml:"pwg:DocumentFormat"`
	Duplex         bool     `xml:"scan:Duplex"`
}

type regions struct {
	Region region `xml:"pwg:ScanRegion"`
}

type region struct {
	Height  int `xml:"pwg:Height"`
	Width   int `xml:"pwg:Width"`
	XOffset int `xml:"pwg:XOffset"`
	YOffset int `xml:"pwg:YOffset"`
}

func buildScanSettings(cmd Command) ([]byte, error) {
	source := "Platen"
	if cmd.Source == "adf" {
		source = "Feeder"
	}

	mime := "image/jpeg"
	if cmd.Format == "pdf" {
		mime = "application/pdf"
	}

	settings := ScanSettings{
		XMLNSPWG:    "http://www.pwg.org/schemas/2010/12/sm",
		XMLNSScan:   "http://schemas.hp.com/imaging/escl/2011/05/03",
		Intent:      "Document",
		InputSource: source,
		XResolution: cmd.Resolution,
		YResolution: cmd.Resolution,
		ColorMode:      cmd.ColorMode,
		DocumentFormat: mime,
		Duplex:         cmd.Duplex,
		ScanRegions: regions{Region: region{
			Height: 3300, Width: 2550, XOffset: 0, YOffset: 0,
		}},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(settings); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newJobID() string {
	return "job-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}
