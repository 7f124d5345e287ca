// Kestrel - Behavioral risk scoring for every session.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/profile"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/worker"
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

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

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
		"strategy", cfg.Scoring.Strategy,
		"serialize_profiles", cfg.Profile.Serialize,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tracing
	endpoint := ""
	if cfg.Tracing.Enabled {
		endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := traces.Init(ctx, cfg.Tracing.ServiceName, Version, endpoint, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Scoring
	scorer, err := scoring.NewScorer(cfg.Scoring, loadDetector(cfg.Scoring))
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}

	// Normalization, optionally hot-reloaded
	normalizer := features.NewNormalizer(cfg.Calibration)
	if cfg.CalibrationFile != "" {
		watcher, err := config.NewCalibrationWatcher(cfg.CalibrationFile,
			config.NewCalibrationLayer(cfg.BaseCalibration, normalizer))
		if err != nil {
			slog.Warn("calibration hot reload disabled", "path", cfg.CalibrationFile, "error", err)
		} else {
			defer watcher.Close()
			slog.Info("watching calibration file", "path", cfg.CalibrationFile)
		}
	}

	// Profiles
	profiles := profile.NewCachedStore(repo, cacheImpl, cfg.Cache.ProfileTTL)
	var locker *profile.Locker
	if cfg.Profile.Serialize {
		locker = profile.NewLocker(cacheImpl, cfg.Profile)
	}
	updater := profile.NewUpdater(profiles, locker)

	// Alerts
	alerts, err := alert.NewEvaluator(cfg.Alert, history.NewService(repo))
	if err != nil {
		slog.Error("failed to initialize alert evaluator", "error", err)
		os.Exit(1)
	}
	slog.Info("alert evaluator initialized", "triggers", len(alerts.Triggers()))

	processor := engine.NewProcessor(engine.Options{
		Store:      repo,
		Profiles:   profiles,
		Normalizer: normalizer,
		Scorer:     scorer,
		Updater:    updater,
		Alerts:     alerts,
	})

	// Async worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, processor)
		if err := asyncWorker.Start(worker.Config{Concurrency: 8}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started")
		}
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(cfg.Server, api.Deps{
		Repository: repo,
		Profiles:   profiles,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Processor:  processor,
		Alerts:     alerts,
		Version:    Version,
	}, metricsPath)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
	}

	// Stop consuming before the server and backends go away.
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

// loadDetector returns the trained model, or nil when none is available.
// The result must stay an untyped nil so the model scorer sees no detector.
func loadDetector(cfg domain.ScoringConfig) scoring.Detector {
	if cfg.Strategy != domain.StrategyModel && cfg.Strategy != domain.StrategyHybrid {
		return nil
	}

	forest, err := scoring.LoadModel(cfg.ModelPath)
	if err != nil {
		if errors.Is(err, scoring.ErrModelUnavailable) {
			slog.Warn("no model artifact, model scores default to neutral", "path", cfg.ModelPath)
		} else {
			slog.Error("failed to load model, model scores default to neutral", "path", cfg.ModelPath, "error", err)
		}
		return nil
	}

	slog.Info("model loaded", "path", cfg.ModelPath, "features", len(forest.Features()))
	return forest
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║     Behavioral Risk Scoring Engine        ║")
	fmt.Println("  ║        Eyes on every session.             ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Scoring:  %s\n", cfg.Scoring.Strategy)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/collect_behavior            - Score a session")
	fmt.Println("    POST /api/sessions/async              - Queue a session for the worker")
	fmt.Println("    GET  /api/profiles/{userId}           - Behavioral profile")
	fmt.Println("    GET  /api/users/{userId}/sessions     - Recent session logs")
	fmt.Println("    GET  /api/users/{userId}/alerts       - Recent alerts")
	fmt.Println("    GET  /api/triggers                    - Active alert triggers")
	fmt.Println("    POST /api/triggers/validate           - Compile-check a trigger")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println("    GET  /ready                           - Readiness check")
	fmt.Println()
}
