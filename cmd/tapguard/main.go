// Tapguard - NFC tap validation for member discount programs.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/tapguard/internal/api"
	"github.com/opensource-finance/tapguard/internal/audit"
	"github.com/opensource-finance/tapguard/internal/bus"
	"github.com/opensource-finance/tapguard/internal/cache"
	"github.com/opensource-finance/tapguard/internal/cards"
	"github.com/opensource-finance/tapguard/internal/config"
	"github.com/opensource-finance/tapguard/internal/country"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/fraud"
	"github.com/opensource-finance/tapguard/internal/offer"
	"github.com/opensource-finance/tapguard/internal/pipeline"
	"github.com/opensource-finance/tapguard/internal/repository"
	"github.com/opensource-finance/tapguard/internal/rules"
	"github.com/opensource-finance/tapguard/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("TAPGUARD_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting tapguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"audit_sinks", cfg.Audit.Sinks,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("tapguard stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("tapguard shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("TAPGUARD_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	sinks, err := audit.New(cfg.Audit, repo, busImpl)
	if err != nil {
		return fmt.Errorf("failed to initialize audit sinks: %w", err)
	}
	defer sinks.Close()

	compliance, err := rules.NewEngine(100)
	if err != nil {
		return fmt.Errorf("failed to initialize compliance engine: %w", err)
	}
	defer compliance.Close()

	countries := country.NewEngine(repo, cacheImpl, compliance, cfg.Country)
	offers := offer.NewEngine(repo, cacheImpl, cfg.Offers)
	taps := pipeline.New(repo,
		fraud.NewDetector(repo, sinks, cfg.Fraud),
		countries,
		offers,
		cfg.Pipeline,
		pipeline.WithAudit(sinks),
	)

	var tapWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("TAPGUARD_ASYNC_WORKER") == "true" {
		tapWorker = worker.NewWorker(busImpl, taps)
		if err := tapWorker.Start(); err != nil {
			slog.Error("failed to start tap worker", "error", err)
			tapWorker = nil
		}
	}

	srv := api.NewServer(api.Config{Server: cfg.Server, Version: Version}, api.Dependencies{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Validator: taps,
		Countries: countries,
		Offers:    offers,
		Cards:     cards.NewService(repo, sinks),
		Audit:     sinks,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("tapguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	if tapWorker != nil {
		if err := tapWorker.Stop(); err != nil {
			slog.Error("failed to stop tap worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return serveErr
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  TAPGUARD  NFC tap validation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /taps/validate                  - Validate a card tap")
	fmt.Println("    GET  /taps/{id}                      - Get a tap log")
	fmt.Println("    GET  /country-rules/{code}           - Get a country rule")
	fmt.Println("    PUT  /country-rules/{code}           - Save a country rule")
	fmt.Println("    POST /country-rules/cache/invalidate - Drop cached country rules")
	fmt.Println("    GET  /offers                         - List offers")
	fmt.Println("    POST /offers                         - Save an offer")
	fmt.Println("    POST /members                        - Register a member")
	fmt.Println("    POST /vendors                        - Register a vendor")
	fmt.Println("    POST /cards                          - Issue a card")
	fmt.Println("    POST /cards/{uid}/status             - Change card status")
	fmt.Println("    POST /cards/{uid}/reissue            - Reissue a card")
	fmt.Println("    GET  /fraud-events                   - List fraud events")
	fmt.Println("    POST /fraud-events/{id}/resolve      - Resolve a fraud event")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println()
}
