package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/agent"
	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/config"
	"github.com/fyrsmithlabs/studiod/internal/events"
	"github.com/fyrsmithlabs/studiod/internal/logging"
	"github.com/fyrsmithlabs/studiod/internal/orchestrator"
	"github.com/fyrsmithlabs/studiod/internal/server"
	"github.com/fyrsmithlabs/studiod/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the studiod daemon",
	Long: `Start the studiod HTTP server.

On startup, sessions that were executing when the previous process
stopped are resumed from their latest checkpoint before traffic is
served.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions, checkpoints, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = sessions.Close()
		_ = checkpoints.Close()
	}()

	runner, err := agent.NewCommandRunner(cfg.Agent.Command, cfg.Agent.Args, logger)
	if err != nil {
		return fmt.Errorf("initialize agent runner: %w", err)
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.Events.Enabled {
		np, err := events.Connect(cfg.Events.URL, logger)
		if err != nil {
			return fmt.Errorf("connect event stream: %w", err)
		}
		publisher = np
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	orch, err := orchestrator.New(&orchestrator.Config{
		MaxIterations: cfg.Orchestrator.MaxIterations,
		SessionTTL:    cfg.Orchestrator.SessionTTL.Duration(),
		AgentTimeout:  cfg.Orchestrator.AgentTimeout.Duration(),
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		SweepInterval: cfg.Orchestrator.SweepInterval.Duration(),
		WorkDirBase:   cfg.Orchestrator.WorkDirBase,
	}, orchestrator.Deps{
		Store:       sessions,
		Checkpoints: checkpoints,
		Runner:      runner,
		Events:      publisher,
		Logger:      logger,
		Metrics:     orchestrator.NewMetrics(registry),
	})
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	if err := orch.ResumeInterrupted(ctx); err != nil {
		logger.Warn("resume interrupted sessions", zap.Error(err))
	}

	srv, err := server.NewServer(orch, sessions, registry, logger, &server.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("initialize http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Warn("orchestrator drain incomplete, sessions will resume from checkpoints", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// openStores builds the session and checkpoint stores for the configured
// backend.
func openStores(cfg *config.Config) (session.Store, checkpoint.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return session.NewMemoryStore(), checkpoint.NewMemoryStore(), nil
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store directory: %w", err)
		}
		sessions, err := session.NewSQLiteStore(filepath.Join(cfg.Store.Path, "sessions.db"))
		if err != nil {
			return nil, nil, fmt.Errorf("open session store: %w", err)
		}
		checkpoints, err := checkpoint.NewSQLiteStore(filepath.Join(cfg.Store.Path, "checkpoints.db"))
		if err != nil {
			_ = sessions.Close()
			return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return sessions, checkpoints, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
