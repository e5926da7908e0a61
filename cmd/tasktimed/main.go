// Copyright 2026 The tasktime Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/tasktime/tasktime/internal/api"
	"github.com/tasktime/tasktime/internal/config"
	"github.com/tasktime/tasktime/internal/executor"
	"github.com/tasktime/tasktime/internal/log"
	"github.com/tasktime/tasktime/internal/reconciler"
	"github.com/tasktime/tasktime/internal/scheduler"
	"github.com/tasktime/tasktime/internal/store"
	"github.com/tasktime/tasktime/internal/tasks"
	"github.com/tasktime/tasktime/internal/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Check for --run-function before any flag processing. This mode means
	// the binary was re-exec'd by the dispatcher to run one function in
	// isolation.
	args := os.Args[1:]
	for i, arg := range args {
		if arg == "--run-function" && i+1 < len(args) {
			tasks.RegisterBuiltins()
			os.Exit(executor.RunFunctionPayload(context.Background(), args[i+1], os.Stdout, os.Stderr))
		}
	}

	var (
		configPath  = flag.String("config", "", "Path to the configuration file")
		listenAddr  = flag.String("listen", "", "HTTP listen address (overrides config)")
		seedFile    = flag.String("seed", "", "Job seed file (overrides config)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("tasktimed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Listen.Addr = *listenAddr
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Error("Failed to prepare directories", log.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon error", log.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{Path: cfg.Database.Path, WAL: true})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	selfPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	tasks.RegisterBuiltins()

	disp := executor.New(st, logger, executor.Config{
		WorkDir:     cfg.WorkDir,
		SelfPath:    selfPath,
		SMTPHost:    cfg.SMTP.Host,
		SMTPPort:    cfg.SMTP.Port,
		Sender:      cfg.SMTP.Sender,
		TemplateDir: cfg.SMTP.TemplateDir,
	})

	engine := scheduler.New(st, disp, scheduler.Config{
		WorkerPoolSize:    cfg.Scheduler.WorkerPoolSize,
		IsolationPoolSize: cfg.Scheduler.IsolationPoolSize,
	})

	runner := workflow.NewRunner(st, disp, cfg.WorkDir)
	disp.SetWorkflowHook(func(ctx context.Context, workflowID int64, params map[string]any) error {
		_, err := runner.Run(ctx, workflowID, params)
		return err
	})

	rec := reconciler.New(st, engine, cfg.Scheduler.DeleteOrphans)

	// Seed definitions are applied once before the engine starts so the
	// first sync sees them.
	if cfg.SeedFile != "" {
		if _, err := os.Stat(cfg.SeedFile); err == nil {
			if err := rec.SeedFromFile(ctx, cfg.SeedFile); err != nil {
				logger.Warn("Seed file could not be applied", log.Error(err))
			}
		}
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer engine.Stop()

	if err := rec.SyncFromStore(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	syncInterval := time.Duration(cfg.Scheduler.PeriodicSyncSeconds) * time.Second
	if syncInterval > 0 {
		if err := rec.InstallPeriodicSync(ctx, syncInterval); err != nil {
			return fmt.Errorf("failed to install periodic sync: %w", err)
		}
	}

	var watcher *reconciler.Watcher
	if cfg.SeedFile != "" {
		watcher, err = reconciler.NewWatcher(rec, cfg.SeedFile)
		if err != nil {
			logger.Warn("Seed file watcher unavailable", log.Error(err))
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	srv := api.NewServer(st, engine, rec, runner, api.Config{
		WorkDir:  cfg.WorkDir,
		SeedPath: cfg.SeedFile,
	})
	httpServer := &http.Server{
		Addr:         cfg.Listen.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.Listen.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received signal, shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during HTTP shutdown", log.Error(err))
	}
	return nil
}
