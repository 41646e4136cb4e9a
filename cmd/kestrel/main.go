// Kestrel - Real-time fraud and abuse scoring for game platforms.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/flagging"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"rules", len(cfg.Rules),
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var deps api.Deps

	// Initialize Repository and the flag store on top of it
	store := flagging.NewStore()
	if cfg.Repository.Driver != "none" {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			slog.Error("failed to initialize repository", "error", err)
			os.Exit(1)
		}
		defer repo.Close()
		deps.Repo = repo
		store = flagging.NewStore(flagging.WithRepository(repo))

		restored, err := store.Restore(ctx)
		if err != nil {
			slog.Error("failed to restore flags", "error", err)
			os.Exit(1)
		}
		slog.Info("repository initialized", "driver", cfg.Repository.Driver, "restored_flags", restored)
	}

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	deps.Cache = cacheImpl
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	deps.Bus = busImpl
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the engine with block mirroring and decision fan-out
	mirror := notify.NewBlockMirror(cacheImpl)
	publisher := notify.NewBusPublisher(busImpl)

	eng, err := engine.New(cfg.EngineSettings(), store, engine.OnBlockRemoved(mirror.Remove))
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	eng.OnDecision(mirror.Mirror)
	eng.OnDecision(publisher.Publish)

	for entityID, d := range eng.ActiveBlocks() {
		if err := mirror.Mirror(ctx, d); err != nil {
			slog.Warn("failed to mirror restored block", "entity_id", entityID, "error", err)
		}
	}
	slog.Info("engine initialized",
		"detectors", len(eng.Statistics().Detectors),
		"rules_count", eng.Rules().RulesCount(),
	)

	go eng.Run(ctx)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, eng)
		workerCfg := worker.Config{
			Group:       worker.DefaultGroup,
			WorkerCount: cfg.Worker.WorkerCount,
		}
		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, eng, deps, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 KESTREL                   ║")
	fmt.Println("  ║     Game Platform Risk Scoring Engine     ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /entities/{id}/events        - Submit a platform event")
	fmt.Println("    POST   /entities/{id}/transactions  - Submit a transaction")
	fmt.Println("    POST   /entities/{id}/behavior      - Submit in-game actions")
	fmt.Println("    POST   /entities/{id}/analyze       - Re-score a player")
	fmt.Println("    GET    /entities/{id}/risk          - Player risk history")
	fmt.Println("    GET    /entities/{id}/flags         - Player flags")
	fmt.Println("    POST   /entities/{id}/flags         - Create a manual flag")
	fmt.Println("    DELETE /entities/{id}/block         - Lift an active block")
	fmt.Println("    GET    /flags/recent                - Recent flag decisions")
	fmt.Println("    GET    /flags/blocks                - Active blocks")
	fmt.Println("    PUT    /detectors/{name}            - Tune a detector")
	fmt.Println("    POST   /ingest                      - Queue a signal")
	fmt.Println("    GET    /stats                       - Engine statistics")
	fmt.Println("    GET    /metrics                     - Prometheus metrics")
	fmt.Println("    GET    /health                      - Health check")
	fmt.Println()
}
