package candles

import (
	"log/slog"
	"sync"
	"time"

	"stopguard/internal/types"
)

// Aggregator converts a per-symbol tick stream into fixed-tick-count OHLC
// candles. Ingestion for different symbols proceeds in parallel; ticks for
// the same symbol are serialized on that symbol's bucket lock. Sealed
// candles are emitted on a bounded channel that the engine drains.
type Aggregator struct {
	logger    *slog.Logger
	ticksPer  int
	sealed    chan types.Candle
	mu        sync.RWMutex
	buckets   map[string]*bucket
}

// bucket is the open candle for one symbol
type bucket struct {
	mu       sync.Mutex
	open     *types.Candle
	lastTick time.Time
}

// NewAggregator creates an aggregator sealing candles every ticksPer ticks
func NewAggregator(ticksPer int, buffer int, logger *slog.Logger) *Aggregator {
	if ticksPer <= 0 {
		ticksPer = 1000
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Aggregator{
		logger:   logger,
		ticksPer: ticksPer,
		sealed:   make(chan types.Candle, buffer),
		buckets:  make(map[string]*bucket),
	}
}

// Sealed returns the channel of completed candles
func (a *Aggregator) Sealed() <-chan types.Candle {
	return a.sealed
}

// Ingest folds one tick into the symbol's open candle, sealing and emitting
// it when the configured tick count is reached. The send on the sealed
// channel blocks rather than drop a candle; the engine is always draining.
func (a *Aggregator) Ingest(tick types.Tick) {
	b := a.bucket(tick.Symbol)

	b.mu.Lock()
	b.lastTick = tick.Timestamp
	if b.open == nil {
		b.open = &types.Candle{
			Symbol:    tick.Symbol,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			TickCount: 0,
			StartedAt: tick.Timestamp,
		}
	}

	c := b.open
	if tick.Price > c.High {
		c.High = tick.Price
	}
	if tick.Price < c.Low {
		c.Low = tick.Price
	}
	c.Close = tick.Price
	c.TickCount++

	var done *types.Candle
	if c.TickCount >= a.ticksPer {
		c.SealedAt = tick.Timestamp
		done = c
		b.open = nil
	}
	b.mu.Unlock()

	if done != nil {
		a.logger.Debug("[CANDLES] Sealed candle",
			"symbol", done.Symbol,
			"open", done.Open,
			"high", done.High,
			"low", done.Low,
			"close", done.Close,
		)
		a.sealed <- *done
	}
}

// Stale reports whether the symbol has received no ticks within maxAge.
// A symbol that never ticked is stale, so the engine falls back to polled
// prices for its stop evaluation from the start.
func (a *Aggregator) Stale(symbol string, maxAge time.Duration) bool {
	a.mu.RLock()
	b, ok := a.buckets[symbol]
	a.mu.RUnlock()
	if !ok {
		return true
	}

	b.mu.Lock()
	last := b.lastTick
	b.mu.Unlock()

	return last.IsZero() || time.Since(last) > maxAge
}

// Drop discards the symbol's open candle and tick bookkeeping, used when a
// position leaves tracking
func (a *Aggregator) Drop(symbol string) {
	a.mu.Lock()
	delete(a.buckets, symbol)
	a.mu.Unlock()
}

func (a *Aggregator) bucket(symbol string) *bucket {
	a.mu.RLock()
	b, ok := a.buckets[symbol]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.buckets[symbol]; ok {
		return b
	}
	b = &bucket{}
	a.buckets[symbol] = b
	return b
}
