// Package service wires config, vault, agent state, and the control API
// together into the running bridge agent and owns its lifecycle.
package service

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schurick1502/docflow-scanner-bridge/internal/config"
	"github.com/schurick1502/docflow-scanner-bridge/internal/controlapi"
	"github.com/schurick1502/docflow-scanner-bridge/internal/discovery"
	"github.com/schurick1502/docflow-scanner-bridge/internal/folder"
	"github.com/schurick1502/docflow-scanner-bridge/internal/state"
	"github.com/schurick1502/docflow-scanner-bridge/internal/vault"
)

// Service is the top-level running agent.
type Service struct {
	config     *config.Config
	agentState *state.AgentState
	server     *controlapi.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a Service from cfg. It does not start anything yet.
func New(cfg *config.Config) (*Service, error) {
	v := vault.New()
	agentState := state.New(v, toTiming(cfg.Discovery), toTuning(cfg.FolderSync))
	server := controlapi.NewServer(cfg.ControlAPI, agentState)

	return &Service{
		config:     cfg,
		agentState: agentState,
		server:     server,
	}, nil
}

func toTiming(d config.DiscoveryConfig) discovery.Timing {
	return discovery.Timing{
		MDNSBrowseWindow: d.GetMDNSBrowseWindow(),
		ProbeTimeout:     d.GetProbeTimeout(),
		SweepTimeout:     d.GetSweepTimeout(),
	}
}

func toTuning(f config.FolderSyncTuning) folder.Tuning {
	return folder.Tuning{
		StabilityInterval:       f.GetStabilityInterval(),
		StabilitySamples:        f.StabilitySamples,
		MaxFileSizeBytes:        f.MaxFileSizeBytes,
		ScanInterval:            f.GetScanInterval(),
		StatusReportEveryCycles: f.StatusReportEveryCycles,
		Retry: folder.RetryPolicy{
			MaxAttempts: f.GetUploadMaxAttempts(),
			BaseDelay:   folder.DefaultRetryPolicy().BaseDelay,
			On429Extra:  folder.DefaultRetryPolicy().On429Extra,
		},
	}
}

// Start boots the agent state and control API, then blocks until a
// shutdown signal (or ctx cancellation) arrives, at which point it stops
// everything and returns.
func (s *Service) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log.Println("[service] starting docflow scanner bridge...")

	s.agentState.Boot()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(s.ctx); err != nil && err != http.ErrServerClosed {
			log.Printf("[service] control API error: %v", err)
		}
	}()

	log.Println("[service] bridge started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[service] received signal %v, shutting down...", sig)
	case <-s.ctx.Done():
		log.Println("[service] context cancelled, shutting down...")
	}

	return s.Stop()
}

// Stop shuts everything down. Idempotent.
func (s *Service) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		log.Println("[service] stopping...")

		if s.cancel != nil {
			s.cancel()
		}

		if serverErr := s.server.Stop(); serverErr != nil {
			log.Printf("[service] error stopping control API: %v", serverErr)
			err = serverErr
		}

		s.agentState.Shutdown()

		s.wg.Wait()

		log.Println("[service] stopped")
	})
	return err
}

// Run loads config from configPath and runs the service until shutdown.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("[service] configuration loaded: control API on %s:%d", cfg.ControlAPI.Address, cfg.ControlAPI.Port)

	svc, err := New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	return svc.Start()
}
