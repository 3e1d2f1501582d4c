package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stopguard/internal/broker"
	"stopguard/internal/candles"
	"stopguard/internal/config"
	"stopguard/internal/engine"
	"stopguard/internal/executor"
	"stopguard/internal/journal"
	"stopguard/internal/reconcile"
	"stopguard/internal/status"
	"stopguard/internal/strategy"
	"stopguard/internal/tracker"
	"stopguard/internal/types"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := config.Load()
	logger := setupLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting StopGuard Watchdog",
		"strategy", cfg.Strategy,
		"product", cfg.Product,
		"poll_interval", cfg.PollInterval,
		"dry_run", cfg.DryRun,
		"mock_mode", cfg.MockMode,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Broker and tick stream
	var brk broker.Broker
	var streamer broker.TickStreamer

	if cfg.MockMode {
		logger.Info("Running in MOCK MODE - no real broker calls")
		brk = broker.NewMockBroker(logger)
		streamer = broker.NewMockTickStreamer(logger)
	} else {
		brk = broker.NewBinanceBroker(cfg.APIKey, cfg.SecretKey, cfg.QuoteAsset, logger)
		streamer = broker.NewBinanceTickStreamer(logger)
	}
	defer brk.Close()

	strat, err := strategy.New(cfg.Strategy,
		strategy.ATRConfig{
			Period:           cfg.ATRPeriod,
			LowThresholdPct:  cfg.ATRLowThreshold,
			HighThresholdPct: cfg.ATRHighThreshold,
			LowMultiplier:    cfg.ATRLowMultiplier,
			MediumMultiplier: cfg.ATRMediumMultiplier,
			HighMultiplier:   cfg.ATRHighMultiplier,
		},
		strategy.PSARConfig{
			Start:     cfg.PSARStart,
			Increment: cfg.PSARIncrement,
			Max:       cfg.PSARMax,
		},
	)
	if err != nil {
		logger.Error("Failed to build strategy", "error", err)
		os.Exit(1)
	}

	// Audit journal is optional: no DSN, no journal.
	var jnl *journal.Journal
	if cfg.PostgresDSN != "" {
		jnl, err = journal.New(ctx, cfg.PostgresDSN, logger)
		if err != nil {
			logger.Error("Failed to connect audit journal", "error", err)
			os.Exit(1)
		}
		defer jnl.Close()
	} else {
		logger.Warn("POSTGRES_DSN not set, audit journal disabled")
	}

	trk := tracker.New(logger)
	agg := candles.NewAggregator(cfg.TicksPerCandle, 256, logger)

	rec := reconcile.New(brk, trk, strat, jnl, cfg.Product, cfg.ReconcileInterval, logger)
	exec := executor.New(brk, trk, rec, jnl, cfg.DryRun, logger)

	eng := engine.New(engine.Config{
		PollInterval: cfg.PollInterval,
		StaleAfter:   cfg.StaleAfter,
		MarketOpen:   cfg.MarketOpen,
		MarketClose:  cfg.MarketClose,
	}, brk, trk, strat, agg, exec, logger)

	// Only the candle-driven strategy consumes ticks; the ATR strategy
	// works entirely off daily history and polled prices.
	if cfg.Strategy == types.StrategyPSAR {
		rec.OnAdded(func(pos types.Position) {
			if err := streamer.Subscribe(ctx, pos.Symbol); err != nil {
				logger.Warn("Tick subscription failed, polling only", "symbol", pos.Symbol, "error", err)
			}
		})
		rec.OnRemoved(func(symbol string, product types.Product) {
			if err := streamer.Unsubscribe(symbol); err != nil {
				logger.Warn("Tick unsubscribe failed", "symbol", symbol, "error", err)
			}
			agg.Drop(symbol)
		})
	}

	statusServer := status.NewServer(cfg.StatusPort, trk, logger)
	if err := statusServer.Start(ctx); err != nil {
		logger.Error("Failed to start status server", "error", err)
		os.Exit(1)
	}

	exec.Start(ctx)
	go rec.Run(ctx)
	if cfg.Strategy == types.StrategyPSAR {
		go eng.ConsumeTicks(ctx, streamer.Ticks())
	}
	go eng.Run(ctx)

	logger.Info("StopGuard Watchdog is running",
		"status_endpoint", "http://127.0.0.1:"+strconv.Itoa(cfg.StatusPort),
	)
	logger.Info("Press Ctrl+C to stop")

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := statusServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping status server", "error", err)
	}

	// Drain in-flight exit orders before tearing down the loops.
	exec.Stop()

	cancel()

	if err := streamer.Close(); err != nil {
		logger.Error("Error closing tick streamer", "error", err)
	}

	logger.Info("StopGuard Watchdog stopped gracefully")
}

// setupLogger configures the structured logger
func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(handler)
}
