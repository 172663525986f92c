// Alpha Engine — an event-sourced automated trading bot for Binance
// USDⓈ-M futures.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires store → stream → pollers → strategy → executor
//	store/               — SQLite durable log: event store, command store, config store
//	projection/view.go   — in-memory fold of the log: balances, position, open orders
//	exchange/client.go   — REST client for the Binance futures + spot APIs
//	ws/                  — user-data stream listener and frame-to-event mapper
//	poller/              — periodic REST scrapes: income, transfers, converts, deposits, prices
//	recovery/            — first-run initial capital, historical backfill, opening reconcile
//	executor/            — claimed-command dispatch to typed handlers
//	risk/guard.go        — rule pipeline gating every trading command
//	strategy/            — strategy runtime (runner, context, emitter) and the ATR breakout
//	marketdata/          — OHLCV cache behind the strategy context
//
// Everything the bot knows is derived from the append-only event log.
// Restart is a no-op: events dedup on their content-addressed keys and
// commands are idempotent, so replays change nothing.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"alpha-engine/internal/config"
	"alpha-engine/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("AE_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		eng.Stop()
		os.Exit(1)
	}

	if cfg.Exchange.Testnet {
		logger.Warn("TESTNET MODE — orders go to the futures testnet")
	}
	logger.Info("alpha engine started",
		"symbol", cfg.Account.Symbol,
		"strategy", cfg.Strategy.Name,
		"auto_start", cfg.Strategy.AutoStart,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
