// Polymarket Edge — an autonomous trading bot for Polymarket binary
// prediction markets, built around explicit belief ranges instead of a
// point-estimate price model.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/               — orchestrator: observe → ingest → update → evaluate → execute → monitor tick cycle
//	fsm/machine.go        — trading state machine; illegal transitions collapse to a sticky HALT
//	belief/belief.go      — belief ranges [low,high] with confidence and an unknowns ledger
//	signal/               — evidence sources: external feeds (rate-limited, circuit-broken) and price drift
//	trade/engine.go       — eligibility gates, edge computation, exit plan construction
//	portfolio/manager.go  — Kelly-capped sizing, diversification, drawdown and daily-loss limits
//	batch/evaluator.go    — bounded-concurrency evaluation cycles with risk-budget selection
//	paper/tracker.go      — dry-run positions held to resolution, win/loss metrics, calibration buckets
//	calibration/          — belief-vs-outcome scoring; auto-tightens thresholds or halts the machine
//	execution/adapter.go  — one live order per market; simulates fills when no connector is wired
//	exchange/             — Polymarket CLOB/Gamma REST client with L1 (EIP-712) and L2 (HMAC) auth
//	notify/, audit/       — Slack notifications and append-only CSV audit trail
//	api/                  — status HTTP server: JSON endpoints, WebSocket event stream, /metrics
//
// How it trades:
//
//	The bot never trusts a single probability. Each market carries a belief
//	range [low, high] built from typed, reliability-capped signals, plus a
//	confidence score that unresolved unknowns drag down. It only trades
//	when the market price sits outside the whole range, the edge clears a
//	per-category threshold, and every gate (resolution clarity, liquidity,
//	belief width, confidence, exit plan) passes. Decisions land as paper
//	positions in dry-run mode; resolutions feed a calibration loop that
//	raises thresholds, narrows ranges, or halts trading when beliefs prove
//	miscalibrated.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-edge/internal/api"
	"polymarket-edge/internal/config"
	"polymarket-edge/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start status API server if enabled
	var apiServer *api.Server
	if cfg.Status.Enabled {
		apiServer = api.NewServer(*cfg, eng, eng.Registry(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Status.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE: no real orders will be placed")
	}

	logger.Info("polymarket edge started",
		"markets_max", cfg.Engine.MaxMarkets,
		"tick_interval", cfg.Engine.TickInterval,
		"total_capital", cfg.Portfolio.TotalCapital,
		"dry_run", cfg.DryRun,
	)

	// SIGUSR1 resets a halted machine; SIGINT/SIGTERM shut down.
	resetCh := make(chan os.Signal, 1)
	signal.Notify(resetCh, syscall.SIGUSR1)
	go func() {
		for range resetCh {
			if err := eng.Reset("SIGUSR1"); err != nil {
				logger.Warn("reset ignored", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the status server first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
