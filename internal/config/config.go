package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"stopguard/internal/types"
)

// Config is the full runtime configuration, loaded from environment
// variables. An empty DSN disables the audit journal; empty market hours
// mean the watchdog runs around the clock.
type Config struct {
	APIKey     string
	SecretKey  string
	QuoteAsset string

	Product      types.Product
	Strategy     types.StrategyKind
	PollInterval time.Duration
	DryRun       bool
	MockMode     bool

	ATRPeriod           int
	ATRLowThreshold     float64
	ATRHighThreshold    float64
	ATRLowMultiplier    float64
	ATRMediumMultiplier float64
	ATRHighMultiplier   float64

	PSARStart     float64
	PSARIncrement float64
	PSARMax       float64

	TicksPerCandle    int
	StaleAfter        time.Duration
	ReconcileInterval time.Duration

	MarketOpen  string
	MarketClose string

	PostgresDSN string
	StatusPort  int
	LogLevel    string
}

// Load reads configuration from environment variables with safe defaults.
// Defaults favor not trading: mock mode and dry run are both on unless
// explicitly disabled.
func Load() Config {
	return Config{
		APIKey:     os.Getenv("API_KEY"),
		SecretKey:  os.Getenv("SECRET_KEY"),
		QuoteAsset: envString("QUOTE_ASSET", "USDT"),

		Product:      types.Product(envString("PRODUCT", string(types.ProductDelivery))),
		Strategy:     types.StrategyKind(envString("STRATEGY", string(types.StrategyATR))),
		PollInterval: envDuration("POLL_INTERVAL", 45*time.Second),
		DryRun:       envBool("DRY_RUN", true),
		MockMode:     envBool("MOCK_MODE", true),

		ATRPeriod:           envInt("ATR_PERIOD", 20),
		ATRLowThreshold:     envFloat("ATR_LOW_THRESHOLD_PCT", 2.0),
		ATRHighThreshold:    envFloat("ATR_HIGH_THRESHOLD_PCT", 4.0),
		ATRLowMultiplier:    envFloat("ATR_LOW_MULTIPLIER", 1.0),
		ATRMediumMultiplier: envFloat("ATR_MEDIUM_MULTIPLIER", 1.5),
		ATRHighMultiplier:   envFloat("ATR_HIGH_MULTIPLIER", 2.0),

		PSARStart:     envFloat("PSAR_START", 0.02),
		PSARIncrement: envFloat("PSAR_INCREMENT", 0.02),
		PSARMax:       envFloat("PSAR_MAX", 0.2),

		TicksPerCandle:    envInt("TICKS_PER_CANDLE", 100),
		StaleAfter:        envDuration("TICK_STALE_AFTER", 2*time.Minute),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 10*time.Minute),

		MarketOpen:  os.Getenv("MARKET_OPEN"),
		MarketClose: os.Getenv("MARKET_CLOSE"),

		PostgresDSN: os.Getenv("POSTGRES_DSN"),
		StatusPort:  envInt("STATUS_PORT", 9090),
		LogLevel:    envString("LOG_LEVEL", "info"),
	}
}

// Validate rejects configurations that cannot run
func (c Config) Validate() error {
	switch c.Product {
	case types.ProductIntraday, types.ProductDelivery:
	default:
		return fmt.Errorf("invalid PRODUCT %q", c.Product)
	}

	switch c.Strategy {
	case types.StrategyATR, types.StrategyPSAR:
	default:
		return fmt.Errorf("invalid STRATEGY %q", c.Strategy)
	}

	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL %s too short", c.PollInterval)
	}
	if c.TicksPerCandle < 1 {
		return fmt.Errorf("TICKS_PER_CANDLE must be at least 1, got %d", c.TicksPerCandle)
	}
	if c.ATRPeriod < 2 {
		return fmt.Errorf("ATR_PERIOD must be at least 2, got %d", c.ATRPeriod)
	}
	if c.ATRLowMultiplier <= 0 || c.ATRMediumMultiplier <= 0 || c.ATRHighMultiplier <= 0 {
		return fmt.Errorf("ATR multipliers must be positive, got %v/%v/%v",
			c.ATRLowMultiplier, c.ATRMediumMultiplier, c.ATRHighMultiplier)
	}
	if c.PSARStart <= 0 || c.PSARIncrement <= 0 || c.PSARMax < c.PSARStart {
		return fmt.Errorf("invalid PSAR parameters start=%v increment=%v max=%v",
			c.PSARStart, c.PSARIncrement, c.PSARMax)
	}

	if (c.MarketOpen == "") != (c.MarketClose == "") {
		return fmt.Errorf("MARKET_OPEN and MARKET_CLOSE must be set together")
	}
	for _, hhmm := range []string{c.MarketOpen, c.MarketClose} {
		if hhmm == "" {
			continue
		}
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("invalid market hour %q: %w", hhmm, err)
		}
	}

	if !c.MockMode && (c.APIKey == "" || c.SecretKey == "") {
		return fmt.Errorf("API_KEY and SECRET_KEY required when MOCK_MODE is off")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
