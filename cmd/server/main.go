package main

// Package main is the entry point for the gridion-ai gating service.
//
// Responsibilities:
//   - Load and validate configuration from YAML, environment variables, and defaults
//   - Connect the shared store (Redis, or in-memory for single-process runs)
//   - Wire the gating components: caches, sampler, dispatcher, cost ledger
//   - Attach the SQLite cost archive when enabled
//   - Start the admin/metrics HTTP server and the WebSocket decision stream
//   - Run the batch-window sweeper in the background
//   - Hot-reload event thresholds on config file changes
//   - Implement graceful shutdown with context cancellation
//
// Architecture Flow:
//   1. Market events → Dispatcher (suppress / batch / call-now)
//   2. Agent calls → Orchestrator (response cache → dispatch → sampling → provider)
//   3. Every provider call → Ledger buckets (+ optional SQLite archive)
//   4. Admin API + WebSocket stream expose policies, thresholds, costs, decisions

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/agent"
	"github.com/gridion/gridion-ai/internal/archive"
	"github.com/gridion/gridion-ai/internal/cache"
	"github.com/gridion/gridion-ai/internal/config"
	"github.com/gridion/gridion-ai/internal/dispatch"
	"github.com/gridion/gridion-ai/internal/ledger"
	"github.com/gridion/gridion-ai/internal/llm"
	"github.com/gridion/gridion-ai/internal/logging"
	"github.com/gridion/gridion-ai/internal/orchestrator"
	"github.com/gridion/gridion-ai/internal/sampling"
	"github.com/gridion/gridion-ai/internal/server"
	"github.com/gridion/gridion-ai/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	var manager config.Manager
	if *configPath != "" {
		manager = config.NewManager(*configPath)
	} else {
		manager = config.NewManagerWithDefaults()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := manager.Validate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := manager.Get(ctx)

	log, err := logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("store connection failed", zap.Error(err))
	}
	defer st.Close()

	responses := cache.NewResponseCache(st, log)
	prompts := cache.NewPromptCache(st, log)
	sampler := sampling.NewManager(st, log)
	costs := ledger.New(st, log)
	dispatcher := dispatch.New(st, log, dispatch.Thresholds{
		PriceChangePct:        cfg.Thresholds.PriceChangePct,
		VolumeSpikeMultiplier: cfg.Thresholds.VolumeSpikeMultiplier,
		VolatilityThreshold:   cfg.Thresholds.VolatilityThreshold,
		MinAIIntervalSeconds:  cfg.Thresholds.MinAIIntervalSeconds,
		BatchSize:             cfg.Thresholds.BatchSize,
		BatchTimeoutSeconds:   cfg.Thresholds.BatchTimeoutSeconds,
		HighEscapeMultiplier:  cfg.Thresholds.HighEscapeMultiplier,
	})

	if cfg.Archive.Enabled {
		arch, err := archive.Open(cfg.Archive.SQLitePath)
		if err != nil {
			log.Fatal("cost archive open failed",
				zap.String("path", cfg.Archive.SQLitePath), zap.Error(err))
		}
		defer arch.Close()
		costs.SetArchive(arch)
		log.Info("cost archive enabled", zap.String("path", cfg.Archive.SQLitePath))
	}

	var client llm.Client
	if cfg.LLM.APIKey != "" {
		anthropic, err := llm.NewAnthropicClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.MaxTokens)
		if err != nil {
			log.Fatal("inference client init failed", zap.Error(err))
		}
		client = anthropic
	} else {
		// Degraded mode: every gated call fails closed and agents run on
		// their rule-based fallbacks.
		log.Warn("no provider API key configured, running without inference")
	}

	orch := orchestrator.New(responses, prompts, sampler, dispatcher, costs, client, log)
	dispatcher.OnFlush(agent.BatchHandler(orch, log))

	srv := server.New(server.Config{
		Port:             cfg.Server.Port,
		JWTSecret:        cfg.Server.JWTSecret,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		DailyBudgetUSD:   cfg.Budget.DailyUSD,
		MonthlyBudgetUSD: cfg.Budget.MonthlyUSD,
	}, server.Components{
		Store:      st,
		Responses:  responses,
		Prompts:    prompts,
		Sampler:    sampler,
		Dispatcher: dispatcher,
		Costs:      costs,
	}, log)

	if err := srv.Start(); err != nil {
		log.Fatal("server start failed", zap.Error(err))
	}

	go dispatcher.RunSweeper(ctx, time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second)
	go watchThresholds(ctx, manager, dispatcher, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// openStore selects Redis when configured and the in-memory store
// otherwise. The in-memory store is per-process; multi-worker deployments
// need Redis for shared gating state.
func openStore(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.Store.RedisURL != "" {
		r, err := store.NewRedis(cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		log.Info("using redis store")
		return r, nil
	}
	log.Warn("no redis URL configured, using in-process store")
	return store.NewMemory(), nil
}

// watchThresholds applies the thresholds section of config file reloads as
// a validated runtime update. Other sections require a restart.
func watchThresholds(ctx context.Context, manager config.Manager, d *dispatch.Dispatcher, log *zap.Logger) {
	updates := manager.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			patch := dispatch.ThresholdsPatch{
				PriceChangePct:        &next.Thresholds.PriceChangePct,
				VolumeSpikeMultiplier: &next.Thresholds.VolumeSpikeMultiplier,
				VolatilityThreshold:   &next.Thresholds.VolatilityThreshold,
				MinAIIntervalSeconds:  &next.Thresholds.MinAIIntervalSeconds,
				BatchSize:             &next.Thresholds.BatchSize,
				BatchTimeoutSeconds:   &next.Thresholds.BatchTimeoutSeconds,
				HighEscapeMultiplier:  &next.Thresholds.HighEscapeMultiplier,
			}
			if _, err := d.UpdateThresholds(ctx, patch); err != nil {
				log.Warn("config reload rejected", zap.Error(err))
				continue
			}
			log.Info("event thresholds reloaded from config file")
		}
	}
}
