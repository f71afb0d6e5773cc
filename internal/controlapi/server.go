// Package controlapi exposes the bridge's local control surface: a
// loopback-only HTTP/JSON API the desktop shell uses to read status,
// trigger discovery, pair, disconnect, and manage folder sync.
package controlapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/schurick1502/docflow-scanner-bridge/internal/config"
	"github.com/schurick1502/docflow-scanner-bridge/internal/discovery"
	"github.com/schurick1502/docflow-scanner-bridge/internal/folder"
	"github.com/schurick1502/docflow-scanner-bridge/internal/state"
	"golang.org/x/crypto/bcrypt"
)

// Server is the control API's HTTP front end.
type Server struct {
	config     config.ControlAPIConfig
	agentState *state.AgentState
	httpServer *http.Server
}

// NewServer builds a Server bound to cfg, backed by agentState.
func NewServer(cfg config.ControlAPIConfig, agentState *state.AgentState) *Server {
	s := &Server{config: cfg, agentState: agentState}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/api/discover", s.withAuth(s.handleDiscover))
	mux.HandleFunc("/api/pair", s.withAuth(s.handlePair))
	mux.HandleFunc("/api/disconnect", s.withAuth(s.handleDisconnect))
	mux.HandleFunc("/api/folder-sync", s.withAuth(s.handleFolderSync))
	mux.HandleFunc("/api/folder-sync/status", s.withAuth(s.handleFolderSyncStatus))

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start launches the HTTP server. It returns once the listener stops
// (on Stop, or on error), matching http.Server's ListenAndServe contract.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	addr := s.httpServer.Addr
	if s.config.TLS.Enabled {
		log.Printf("[controlapi] listening on https://%s", addr)
		cert, err := tls.LoadX509KeyPair(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("controlapi: load TLS certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		err = s.httpServer.ListenAndServeTLS("", "")
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	log.Printf("[controlapi] listening on http://%s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.config.BasicAuth.Enabled {
			next(w, r)
			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="docflow-scanner-bridge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.BasicAuth.Username)) == 1

		var passwordMatch bool
		if s.config.BasicAuth.PasswordHash != "" {
			err := bcrypt.CompareHashAndPassword([]byte(s.config.BasicAuth.PasswordHash), []byte(password))
			passwordMatch = err == nil
		} else {
			passwordMatch = subtle.ConstantTimeCompare([]byte(password), []byte(s.config.BasicAuth.Password)) == 1
		}

		if !usernameMatch || !passwordMatch {
			w.Header().Set("WWW-Authenticate", `Basic realm="docflow-scanner-bridge"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			log.Printf("[controlapi] failed auth attempt from %s", r.RemoteAddr)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.agentState.Status())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 45*time.Second)
	defer cancel()

	scanners, err := s.agentState.Discover(ctx)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, discoverResponse{Scanners: scanners})
}

type discoverResponse struct {
	Scanners []discovery.Scanner `json:"scanners"`
}

type pairRequest struct {
	Code       string `json:"code"`
	DocflowURL string `json:"docflow_url,omitempty"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.agentState.Pair(ctx, req.Code, req.DocflowURL); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.agentState.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.agentState.Disconnect()
	writeJSON(w, http.StatusOK, s.agentState.Status())
}

type folderSyncRequest struct {
	WatchPath        string                  `json:"watch_path"`
	PostUploadAction folder.PostUploadAction `json:"post_upload_action"`
}

func (s *Server) handleFolderSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req folderSyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.PostUploadAction == "" {
			req.PostUploadAction = folder.Keep
		}
		if err := s.agentState.ConfigureFolderSync(req.WatchPath, req.PostUploadAction); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.agentState.FolderSyncStatus())
	case http.MethodDelete:
		s.agentState.StopFolderSync()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFolderSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.agentState.FolderSyncStatus())
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
