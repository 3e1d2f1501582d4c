package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"stopguard/internal/broker"
	"stopguard/internal/candles"
	"stopguard/internal/metrics"
	"stopguard/internal/strategy"
	"stopguard/internal/tracker"
	"stopguard/internal/types"
)

// ExitSink receives exit requests for asynchronous execution
type ExitSink interface {
	Enqueue(req types.ExitRequest)
}

// Config holds the engine's timing knobs
type Config struct {
	PollInterval time.Duration // price poll cadence, default 45s
	StaleAfter   time.Duration // tick silence before the stream counts as stale
	MarketOpen   string        // "HH:MM" local, empty means always open
	MarketClose  string        // "HH:MM" local, empty means always open
}

// Engine drives the watchdog loop: it polls last prices on a fixed cadence,
// advances each position's stop through its strategy, and hands breached
// tranches to the executor. Sealed tick candles feed the candle-driven
// strategies between polls.
type Engine struct {
	logger   *slog.Logger
	cfg      Config
	broker   broker.Broker
	tracker  *tracker.Tracker
	strategy strategy.Strategy
	agg      *candles.Aggregator
	sink     ExitSink

	now func() time.Time
}

func New(cfg Config, b broker.Broker, t *tracker.Tracker, strat strategy.Strategy,
	agg *candles.Aggregator, sink ExitSink, logger *slog.Logger) *Engine {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 45 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	return &Engine{
		logger:   logger,
		cfg:      cfg,
		broker:   b,
		tracker:  t,
		strategy: strat,
		agg:      agg,
		sink:     sink,
		now:      time.Now,
	}
}

// Run evaluates immediately, then on every poll tick, draining sealed
// candles as they arrive. Blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.Evaluate(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("[ENGINE] Stopping")
			return
		case c, ok := <-e.agg.Sealed():
			if !ok {
				return
			}
			e.HandleCandle(c)
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// ConsumeTicks pumps a tick stream into the candle aggregator until the
// stream closes or the context is cancelled. Run it in its own goroutine.
func (e *Engine) ConsumeTicks(ctx context.Context, ticks <-chan types.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			e.agg.Ingest(tick)
		}
	}
}

// Evaluate runs one poll cycle over every tracked position. A failure on
// one symbol never blocks the others.
func (e *Engine) Evaluate(ctx context.Context) {
	if !e.marketOpen() {
		e.logger.Debug("[ENGINE] Market closed, skipping cycle")
		return
	}

	positions := e.tracker.Snapshot()
	if len(positions) == 0 {
		return
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}

	prices, err := e.broker.GetLastPrices(ctx, symbols)
	if err != nil {
		e.logger.Error("[ENGINE] Price poll failed", "symbols", len(symbols), "error", err)
		return
	}

	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price <= 0 {
			e.logger.Warn("[ENGINE] No price for symbol this cycle", "symbol", pos.Symbol)
			continue
		}
		e.evaluatePosition(ctx, pos, price)
	}
}

func (e *Engine) evaluatePosition(ctx context.Context, pos types.Position, price float64) {
	if pos.StopLoss == nil || !pos.StopLoss.Ready {
		e.retryInit(ctx, pos)
		return
	}

	// Only the candle-driven strategy consumes ticks; for it a silent
	// stream means the polled price is the sole protection.
	if pos.StopLoss.Strategy == types.StrategyPSAR &&
		e.agg != nil && e.agg.Stale(pos.Symbol, e.cfg.StaleAfter) {
		e.logger.Warn("[ENGINE] Tick stream stale, relying on polled price",
			"symbol", pos.Symbol,
			"max_age", e.cfg.StaleAfter,
			"error", types.ErrStaleData,
		)
	}

	next := e.strategy.OnPrice(*pos.StopLoss, price)
	applied, ok := e.tracker.UpdateStop(pos.Symbol, pos.Product, next)
	if !ok {
		// Removed between snapshot and update.
		return
	}
	if applied > pos.StopLoss.Stop {
		metrics.StopUpdates.WithLabelValues(pos.Symbol).Inc()
	}

	fresh, ok := e.tracker.Get(pos.Symbol, pos.Product)
	if !ok {
		return
	}

	e.logStatus(fresh, price)
	e.checkTriggers(fresh, price)
}

// HandleCandle advances candle-driven strategy state for one sealed candle.
// A PSAR flip converts into a single full exit of the remaining quantity.
// Outside market hours the stop state still advances but no exits are
// enqueued, matching the polling path.
func (e *Engine) HandleCandle(c types.Candle) {
	tradable := e.marketOpen()

	positions := e.tracker.Snapshot()
	for _, pos := range positions {
		if pos.Symbol != c.Symbol {
			continue
		}
		if pos.StopLoss == nil {
			continue
		}

		next, fullExit := e.strategy.OnCandle(*pos.StopLoss, c)
		if _, ok := e.tracker.UpdateStop(pos.Symbol, pos.Product, next); !ok {
			continue
		}

		if !tradable {
			if fullExit {
				e.logger.Warn("[ENGINE] Trend reversal after market close, exit deferred",
					"symbol", pos.Symbol,
					"close", c.Close,
					"sar", next.SAR,
				)
			}
			continue
		}

		fresh, ok := e.tracker.Get(pos.Symbol, pos.Product)
		if !ok {
			continue
		}

		if fullExit {
			e.logger.Warn("[ENGINE] Trend reversal, closing position",
				"symbol", pos.Symbol,
				"close", c.Close,
				"sar", next.SAR,
			)
			e.enqueueFullExit(fresh, c.Close)
			continue
		}
		if next.Strategy == types.StrategyPSAR && !next.TrendUp {
			// Reversal already converted into a full exit; nothing more
			// to trigger off this symbol's candles.
			continue
		}
		e.checkTriggers(fresh, c.Close)
	}
}

// checkTriggers enqueues exits for every live tranche the price has
// crossed. Duplicate enqueues are harmless: the executor's pending-order
// claim makes them no-ops.
func (e *Engine) checkTriggers(pos types.Position, price float64) {
	if pos.StopLoss == nil || !pos.StopLoss.Ready {
		return
	}

	for _, tr := range pos.StopLoss.Tranches {
		if tr.Consumed || tr.PendingOrder {
			continue
		}

		var breached bool
		switch tr.Kind {
		case types.TriggerStopLoss:
			breached = price <= pos.StopLoss.Stop
		case types.TriggerProfitTarget:
			breached = price >= tr.TriggerPrice
		}
		if !breached {
			continue
		}

		qty := tr.Fraction * pos.Quantity
		if qty > pos.RemainingQuantity {
			qty = pos.RemainingQuantity
		}
		if qty <= 0 {
			continue
		}

		e.logger.Info("[ENGINE] Exit triggered",
			"symbol", pos.Symbol,
			"kind", tr.Kind,
			"price", price,
			"trigger", tr.TriggerPrice,
			"stop", pos.StopLoss.Stop,
			"quantity", qty,
		)

		e.sink.Enqueue(types.ExitRequest{
			Symbol:    pos.Symbol,
			Product:   pos.Product,
			TrancheID: tr.ID,
			Kind:      tr.Kind,
			Quantity:  qty,
			Price:     price,
			Timestamp: e.now(),
		})
	}
}

func (e *Engine) enqueueFullExit(pos types.Position, price float64) {
	if pos.RemainingQuantity <= 0 || pos.StopLoss == nil {
		return
	}

	// The full exit rides on the stop tranche's order slot.
	trancheID := ""
	for _, tr := range pos.StopLoss.Tranches {
		if tr.Kind == types.TriggerStopLoss && !tr.Consumed {
			trancheID = tr.ID
			break
		}
	}
	if trancheID == "" {
		return
	}

	e.sink.Enqueue(types.ExitRequest{
		Symbol:    pos.Symbol,
		Product:   pos.Product,
		TrancheID: trancheID,
		Kind:      types.TriggerStopLoss,
		Quantity:  pos.RemainingQuantity,
		Price:     price,
		FullExit:  true,
		Timestamp: e.now(),
	})
}

// retryInit re-attempts strategy initialization for positions still waiting
// on history. Runs once per poll cycle per unready position.
func (e *Engine) retryInit(ctx context.Context, pos types.Position) {
	history, err := e.broker.GetHistoricalDaily(ctx, pos.Symbol, 60)
	if err != nil {
		e.logger.Warn("[ENGINE] History fetch failed for unready position",
			"symbol", pos.Symbol,
			"error", err,
		)
		return
	}

	state, err := e.strategy.Init(pos, history)
	if err != nil {
		if !errors.Is(err, types.ErrNotReady) {
			e.logger.Error("[ENGINE] Strategy init failed", "symbol", pos.Symbol, "error", err)
		}
		return
	}

	if _, ok := e.tracker.UpdateStop(pos.Symbol, pos.Product, state); ok {
		e.logger.Info("[ENGINE] Position protection established",
			"symbol", pos.Symbol,
			"stop", state.Stop,
			"strategy", state.Strategy,
		)
	}
}

func (e *Engine) logStatus(pos types.Position, price float64) {
	consumed := 0
	for _, tr := range pos.StopLoss.Tranches {
		if tr.Consumed {
			consumed++
		}
	}
	e.logger.Info(fmt.Sprintf("[ENGINE] %s | STOP=%.2f | HIGH=%.2f | QTY=%g | TRANCHE=%d/%d",
		pos.Symbol,
		pos.StopLoss.Stop,
		pos.StopLoss.PositionHigh,
		pos.RemainingQuantity,
		consumed,
		len(pos.StopLoss.Tranches),
	), "price", price)
}

// marketOpen reports whether the current wall-clock time falls inside the
// configured trading window. An unset window means always open.
func (e *Engine) marketOpen() bool {
	if e.cfg.MarketOpen == "" || e.cfg.MarketClose == "" {
		return true
	}

	open, err1 := time.Parse("15:04", e.cfg.MarketOpen)
	close_, err2 := time.Parse("15:04", e.cfg.MarketClose)
	if err1 != nil || err2 != nil {
		return true
	}

	now := e.now()
	minutes := now.Hour()*60 + now.Minute()
	openM := open.Hour()*60 + open.Minute()
	closeM := close_.Hour()*60 + close_.Minute()
	return minutes >= openM && minutes < closeM
}
