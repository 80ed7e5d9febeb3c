// Package main is the entry point for the sandbox executor.
//
// Configuration comes from environment variables; see loadConfig.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/sandbox-executor/internal/callback"
	"github.com/sakif/sandbox-executor/internal/executor"
	"github.com/sakif/sandbox-executor/internal/language"
	sqliteRepo "github.com/sakif/sandbox-executor/internal/repository/sqlite"
	"github.com/sakif/sandbox-executor/internal/sandbox/docker"
	"github.com/sakif/sandbox-executor/internal/server"
	"github.com/sakif/sandbox-executor/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("executor stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// === 1. CONFIGURATION ===
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return err
	}

	// === 2. LOGGING ===
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	// === 3. SANDBOX RUNNER ===
	// Unlike the status store, the executor is useless without a daemon.
	runner, err := docker.New(cfg.Sandbox, logger)
	if err != nil {
		return fmt.Errorf("initializing docker runner: %w", err)
	}
	defer runner.Close()

	registry := language.Default()
	if cfg.PullImages {
		for _, ref := range registry.Images() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			err := runner.EnsureImage(ctx, ref)
			cancel()
			if err != nil {
				return err
			}
		}
	}

	// Bind mounts need absolute host paths.
	if cfg.WorkspaceDir != "" {
		if cfg.WorkspaceDir, err = filepath.Abs(cfg.WorkspaceDir); err != nil {
			return fmt.Errorf("resolving workspace directory: %w", err)
		}
		if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
			return fmt.Errorf("creating workspace directory: %w", err)
		}
	}

	// === 4. STATUS STORE ===
	if cfg.StatusDBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.StatusDBPath), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqliteRepo.New(cfg.StatusDBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// === 5. CALLBACKS ===
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}

	// === 6. ENGINE AND DISPATCHER ===
	engine := executor.NewEngine(runner, registry, cfg.WorkspaceDir, logger)
	svc := service.NewExecutionService(engine, db, notifier, registry, cfg.Service, logger)
	if err := svc.Start(context.Background()); err != nil {
		return fmt.Errorf("starting execution service: %w", err)
	}

	// === 7. HTTP SERVER ===
	// Start blocks until SIGINT/SIGTERM and drains svc before returning.
	srv, err := server.New(cfg.Server, logger, svc)
	if err != nil {
		return err
	}
	return srv.Start()
}

func newNotifier(cfg config, logger *slog.Logger) (callback.Notifier, error) {
	if cfg.CallbackBaseURL == "" {
		logger.Warn("CALLBACK_BASE_URL not set, status updates are only logged")
		return callback.LogNotifier{Logger: logger}, nil
	}

	var signer *callback.Signer
	if cfg.CallbackSecret != "" {
		s, err := callback.NewSigner(cfg.CallbackSecret)
		if err != nil {
			return nil, fmt.Errorf("CALLBACK_SECRET: %w", err)
		}
		signer = s
	} else {
		logger.Warn("CALLBACK_SECRET not set, callbacks are unsigned")
	}
	return callback.NewHTTPNotifier(cfg.CallbackBaseURL, signer, logger)
}
