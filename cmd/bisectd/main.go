// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bisectd/internal/api"
	"bisectd/internal/bisect"
	"bisectd/internal/config"
	"bisectd/internal/github"
	"bisectd/internal/logging"
	"bisectd/internal/metrics"
	"bisectd/internal/middleware"
	"bisectd/internal/sandbox"
	"bisectd/internal/scheduler"
	"bisectd/internal/store"
	"bisectd/internal/webhook"
	"bisectd/pkg/crypto"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(*logLevel)
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.CheckPrivateKeyMode(); err != nil {
		return fmt.Errorf("private key: %w", err)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DatabaseURL, store.Options{
		PendingGrace:   cfg.PendingGrace,
		HeartbeatStale: cfg.HeartbeatStale,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	forgeCfg := github.Config{
		AppID:          cfg.AppID,
		PrivateKeyPath: cfg.PrivateKeyPath,
		APIBaseURL:     cfg.APIBaseURL,
		CloneBaseURL:   cfg.CloneBaseURL,
		Logger:         logger,
	}
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		forgeCfg.Encryptor = enc
	} else {
		logger.Warn("no encryption key set, cached forge tokens are held in plaintext memory only")
	}
	forge, err := github.NewClient(forgeCfg)
	if err != nil {
		return fmt.Errorf("forge client: %w", err)
	}

	var runner sandbox.Runner
	switch cfg.SandboxBackend {
	case "local":
		logger.Warn("local sandbox backend selected, test commands run unisolated")
		runner = sandbox.NewLocalRunner()
	default:
		runner = sandbox.NewDockerRunner(cfg.SandboxImage, logger)
	}
	if err := runner.Available(ctx); err != nil {
		logger.Warn("sandbox runtime not ready", "error", err)
	}

	workerID := scheduler.NewWorkerID()
	executor := bisect.NewExecutor(st, forge, runner, bisect.Options{
		WorkspaceRoot: cfg.WorkspaceRoot,
		Budget:        cfg.BisectTimeout,
		Logger:        logger,
	})
	sched := scheduler.New(st, executor, scheduler.Options{
		WorkerID:          workerID,
		MaxConcurrent:     cfg.MaxConcurrentJobs,
		ClaimInterval:     cfg.ClaimInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})

	schedCtx, stopSched := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(schedCtx)
	}()

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", webhook.NewHandler(st, forge, cfg.WebhookSecret, logger))
	mux.Handle("GET /metrics", metrics.Handler())
	api.NewHandler(st, runner, workerID, logger).Register(mux)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer limiter.Stop()
	handler := middleware.SecurityHeaders(false)(
		middleware.Correlation(
			middleware.AccessLog(logger)(
				limiter.Middleware(mux))))

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bisectd listening", "addr", cfg.ListenAddr, "worker_id", workerID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		stopSched()
		<-schedDone
		return fmt.Errorf("http server: %w", err)
	}

	// Stop taking deliveries first, then let the scheduler drain and
	// release whatever it still holds.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	stopSched()
	select {
	case <-schedDone:
	case <-time.After(time.Minute):
		logger.Error("scheduler did not drain in time")
	}

	logger.Info("bisectd exited")
	return nil
}
