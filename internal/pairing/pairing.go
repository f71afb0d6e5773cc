// Package pairing redeems a pairing code (structured or manual) against
// the docflow backend and returns the credentials the rest of the agent
// persists.
package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"
)

// Credentials is what a successful pairing yields.
type Credentials struct {
	APIKey     string
	DocflowURL string
}

// Code is the decoded pairing-code payload, whether it arrived inline
// (structured form) or via a resolve-code round trip (manual form).
type Code struct {
	DocflowURL   string `json:"docflow_url"`
	TenantID     *int   `json:"tenant_id"`
	PairingToken string `json:"pairing_token"`
	BridgeName   string `json:"bridge_name"`
}

type resolveCodeRequest struct {
	Code string `json:"code"`
}

type registerRequest struct {
	PairingToken  string `json:"pairing_token"`
	BridgeName    string `json:"bridge_name"`
	BridgeVersion string `json:"bridge_version"`
	OS            string `json:"os"`
	Hostname      string `json:"hostname"`
}

type registerResponse struct {
	BridgeID     string `json:"bridge_id"`
	APIKey       string `json:"api_key"`
	RefreshToken string `json:"refresh_token"`
	DocflowURL   string `json:"docflow_url"`
	TenantName   string `json:"tenant_name"`
}

const requestTimeout = 30 * time.Second

// BridgeVersion is the version string sent during registration. The main
// package sets it at startup to the binary's version.
var BridgeVersion = "dev"

// Pair redeems codeString against the backend, returning credentials
// ready for persistence. userProvidedURL is required for manual codes and
// optional (ignored for URL purposes) for structured ones.
func Pair(ctx context.Context, codeString, userProvidedURL string) (Credentials, error) {
	switch {
	case strings.HasPrefix(strings.TrimSpace(codeString), "{"):
		return pairStructured(ctx, codeString)
	case strings.Contains(codeString, "-"):
		return pairManual(ctx, codeString, userProvidedURL)
	default:
		return Credentials{}, fmt.Errorf("pairing: Ungültiger Pairing-Code")
	}
}

func pairStructured(ctx context.Context, codeString string) (Credentials, error) {
	var code Code
	if err := json.Unmarshal([]byte(codeString), &code); err != nil {
		return Credentials{}, fmt.Errorf("pairing: invalid structured code: %w", err)
	}
	if code.DocflowURL == "" {
		return Credentials{}, fmt.Errorf("pairing: structured code missing docflow_url")
	}
	if code.PairingToken == "" {
		return Credentials{}, fmt.Errorf("pairing: structured code missing pairing_token")
	}

	return register(ctx, code.DocflowURL, code)
}

func pairManual(ctx context.Context, codeString, userProvidedURL string) (Credentials, error) {
	if userProvidedURL == "" {
		return Credentials{}, fmt.Errorf("pairing: manual code requires a docflow URL")
	}

	code, err := resolveCode(ctx, userProvidedURL, codeString)
	if err != nil {
		return Credentials{}, err
	}

	return register(ctx, userProvidedURL, code)
}

func resolveCode(ctx context.Context, baseURL, codeString string) (Code, error) {
	body, err := json.Marshal(resolveCodeRequest{Code: codeString})
	if err != nil {
		return Code{}, fmt.Errorf("pairing: encode resolve-code request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/api/scanner/bridge/resolve-code", bytes.NewReader(body))
	if err != nil {
		return Code{}, fmt.Errorf("pairing: build resolve-code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Code{}, fmt.Errorf("pairing: resolve-code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Code{}, fmt.Errorf("pairing: resolve-code failed with status %d", resp.StatusCode)
	}

	var code Code
	if err := json.NewDecoder(resp.Body).Decode(&code); err != nil {
		return Code{}, fmt.Errorf("pairing: decode resolve-code response: %w", err)
	}
	return code, nil
}

// register calls /register and overrides the returned docflow_url with
// effectiveURL — the caller's URL, which may carry a port the backend
// cannot know about behind a reverse proxy.
func register(ctx context.Context, effectiveURL string, code Code) (Credentials, error) {
	bridgeName := code.BridgeName
	if bridgeName == "" {
		bridgeName = defaultBridgeName()
	}

	hostname, _ := os.Hostname()

	reqBody, err := json.Marshal(registerRequest{
		PairingToken:  code.PairingToken,
		BridgeName:    bridgeName,
		BridgeVersion: BridgeVersion,
		OS:            runtimeOS(),
		Hostname:      hostname,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("pairing: encode register request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, effectiveURL+"/api/scanner/bridge/register", bytes.NewReader(reqBody))
	if err != nil {
		return Credentials{}, fmt.Errorf("pairing: build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("pairing: register request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Credentials{}, fmt.Errorf("pairing: register failed with status %d: %s", resp.StatusCode, string(body))
	}

	var reg registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&reg); err != nil {
		return Credentials{}, fmt.Errorf("pairing: decode register response: %w", err)
	}

	return Credentials{
		APIKey:     reg.APIKey,
		DocflowURL: effectiveURL,
	}, nil
}

func runtimeOS() string {
	return runtime.GOOS
}

func defaultBridgeName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}
	return fmt.Sprintf("Bridge auf %s", hostname)
}
