package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stopguard/internal/broker"
	"stopguard/internal/journal"
	"stopguard/internal/metrics"
	"stopguard/internal/tracker"
	"stopguard/internal/types"
)

const (
	defaultMaxAttempts = 5
	baseDelay          = 1 * time.Second
	maxDelay           = 30 * time.Second
)

// HoldingChecker answers whether the broker still showed a position at the
// last reconciliation sweep. The executor consults it before sending, so a
// position closed manually at the broker is removed instead of re-sold.
type HoldingChecker interface {
	HeldAtBroker(symbol string, product types.Product) bool
}

// Executor drains exit requests and turns them into broker orders. One
// request is processed at a time per symbol (parallel across symbols) to
// respect broker rate limits and keep the per-tranche dedup invariant
// simple; transient failures retry with exponential backoff.
type Executor struct {
	logger   *slog.Logger
	broker   broker.Broker
	tracker  *tracker.Tracker
	journal  *journal.Journal
	holdings HoldingChecker
	dryRun   bool

	requests chan types.ExitRequest
	quit     chan struct{}

	mu    sync.Mutex
	lanes map[string]chan types.ExitRequest

	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error

	tickMu    sync.RWMutex
	tickSizes map[string]float64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an executor. journal may be nil; holdings may be nil to skip
// the stale-position check (tests).
func New(b broker.Broker, t *tracker.Tracker, holdings HoldingChecker, j *journal.Journal, dryRun bool, logger *slog.Logger) *Executor {
	return &Executor{
		logger:      logger,
		broker:      b,
		tracker:     t,
		journal:     j,
		holdings:    holdings,
		dryRun:      dryRun,
		requests:    make(chan types.ExitRequest, 256),
		quit:        make(chan struct{}),
		lanes:       make(map[string]chan types.ExitRequest),
		maxAttempts: defaultMaxAttempts,
		tickSizes:   make(map[string]float64),
		sleep:       sleepCtx,
	}
}

// Start launches the dispatcher. Per-symbol lanes are created lazily and
// closed by the dispatcher on exit so no send can race a close.
func (e *Executor) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.closeLanes()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.quit:
				e.drain(ctx)
				return
			case req := <-e.requests:
				e.lane(ctx, req.Symbol) <- req
			}
		}
	}()
}

// Enqueue submits an exit request. Blocks briefly when the queue is full
// rather than dropping an exit signal; after Stop it is a no-op.
func (e *Executor) Enqueue(req types.ExitRequest) {
	select {
	case <-e.quit:
	case e.requests <- req:
	}
}

// Stop signals shutdown; already-queued requests drain before Stop returns
func (e *Executor) Stop() {
	e.stopOnce.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

// drain routes the requests already buffered at shutdown
func (e *Executor) drain(ctx context.Context) {
	for {
		select {
		case req := <-e.requests:
			e.lane(ctx, req.Symbol) <- req
		default:
			return
		}
	}
}

func (e *Executor) closeLanes() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lane := range e.lanes {
		close(lane)
	}
	e.lanes = make(map[string]chan types.ExitRequest)
}

func (e *Executor) lane(ctx context.Context, symbol string) chan types.ExitRequest {
	e.mu.Lock()
	defer e.mu.Unlock()

	lane, ok := e.lanes[symbol]
	if ok {
		return lane
	}
	lane = make(chan types.ExitRequest, 16)
	e.lanes[symbol] = lane

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for req := range lane {
			e.Execute(ctx, req)
		}
	}()
	return lane
}

// Execute processes one exit request end to end: dedup, stale-position
// check, tick rounding, placement with retries, and tracker bookkeeping.
// Every outcome is logged; no failure path silently drops the exit.
func (e *Executor) Execute(ctx context.Context, req types.ExitRequest) {
	if err := e.tracker.MarkPendingOrder(req.Symbol, req.Product, req.TrancheID); err != nil {
		switch {
		case errors.Is(err, types.ErrDuplicate):
			// Another evaluation already claimed this tranche.
			e.logger.Debug("[EXECUTOR] Duplicate exit request skipped",
				"symbol", req.Symbol,
				"tranche_id", req.TrancheID,
			)
		case errors.Is(err, types.ErrStalePosition):
			e.logger.Info("[EXECUTOR] Exit request for untracked position dropped",
				"symbol", req.Symbol,
				"tranche_id", req.TrancheID,
			)
		default:
			e.logger.Error("[EXECUTOR] Failed to claim tranche",
				"symbol", req.Symbol,
				"tranche_id", req.TrancheID,
				"error", err,
			)
		}
		return
	}

	if e.holdings != nil && !e.holdings.HeldAtBroker(req.Symbol, req.Product) {
		e.logger.Info("[EXECUTOR] Position no longer at broker, removing instead of selling",
			"symbol", req.Symbol,
			"product", req.Product,
		)
		e.tracker.Remove(req.Symbol, req.Product)
		e.journal.RecordReconciliation(ctx, "stale_position", req.Symbol, req.Product, req.Quantity)
		return
	}

	order := types.OrderRequest{
		Symbol:    req.Symbol,
		Side:      types.SideSell,
		Quantity:  req.Quantity,
		Price:     e.roundPrice(ctx, req.Symbol, req.Price),
		Reason:    req.Kind,
		TrancheID: req.TrancheID,
	}

	if e.dryRun {
		e.logger.Info("[EXECUTOR] DRY RUN order composed",
			"symbol", order.Symbol,
			"side", order.Side,
			"quantity", order.Quantity,
			"price", order.Price,
			"reason", order.Reason,
			"tranche_id", order.TrancheID,
		)
		result := &types.OrderResult{OrderID: "DRY-" + req.TrancheID, Status: types.OrderAccepted, FilledQty: order.Quantity}
		e.journal.RecordOrder(ctx, order, result, nil)
		metrics.ExitsFired.WithLabelValues(string(req.Kind)).Inc()
		e.tracker.ConsumeTranche(req.Symbol, req.Product, req.TrancheID, order.Quantity)
		return
	}

	result, err := e.placeWithRetry(ctx, order)
	e.journal.RecordOrder(ctx, order, result, err)

	if err != nil {
		// Terminal for this attempt only: the pending flag is released so
		// the next price tick re-evaluates the exit.
		e.logger.Error("[EXECUTOR] Exit order failed, position stays tracked",
			"symbol", order.Symbol,
			"tranche_id", order.TrancheID,
			"error", err,
		)
		metrics.OrderFailures.Inc()
		e.tracker.ClearPendingOrder(req.Symbol, req.Product, req.TrancheID)
		return
	}

	if result.Status == types.OrderRejected {
		e.logger.Error("[EXECUTOR] Exit order rejected",
			"symbol", order.Symbol,
			"tranche_id", order.TrancheID,
			"detail", result.Error,
		)
		e.tracker.ClearPendingOrder(req.Symbol, req.Product, req.TrancheID)
		return
	}

	filled := result.FilledQty
	if filled == 0 {
		// Resting limit order: count the requested quantity and let the
		// next reconciliation sweep correct any difference.
		filled = order.Quantity
	}

	metrics.ExitsFired.WithLabelValues(string(req.Kind)).Inc()
	closed := e.tracker.ConsumeTranche(req.Symbol, req.Product, req.TrancheID, filled)

	e.logger.Info("[EXECUTOR] Exit filled",
		"symbol", order.Symbol,
		"order_id", result.OrderID,
		"quantity", filled,
		"price", order.Price,
		"reason", order.Reason,
		"position_closed", closed,
	)
}

// placeWithRetry retries transient broker failures with exponential
// backoff, surfacing ErrExecutionFailed once attempts are exhausted
func (e *Executor) placeWithRetry(ctx context.Context, order types.OrderRequest) (*types.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			metrics.OrderRetries.Inc()
			delay := backoff(attempt - 1)
			e.logger.Warn("[EXECUTOR] Retrying order",
				"symbol", order.Symbol,
				"attempt", attempt+1,
				"delay", delay,
			)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := e.broker.PlaceOrder(ctx, order)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !broker.IsTransient(err) {
			return nil, err
		}
	}
	return nil, errors.Join(types.ErrExecutionFailed, lastErr)
}

// roundPrice snaps the price down to the instrument's tick size. A SELL
// rounded down never worsens execution. Unknown tick size falls back to
// two decimals with a warning.
func (e *Executor) roundPrice(ctx context.Context, symbol string, price float64) float64 {
	tick, err := e.tickSize(ctx, symbol)
	d := decimal.NewFromFloat(price)
	if err != nil {
		e.logger.Warn("[EXECUTOR] Tick size unavailable, rounding to two decimals",
			"symbol", symbol,
			"error", err,
		)
		return d.RoundFloor(2).InexactFloat64()
	}

	t := decimal.NewFromFloat(tick)
	rounded, _ := d.Div(t).Floor().Mul(t).Float64()
	return rounded
}

func (e *Executor) tickSize(ctx context.Context, symbol string) (float64, error) {
	e.tickMu.RLock()
	tick, ok := e.tickSizes[symbol]
	e.tickMu.RUnlock()
	if ok {
		return tick, nil
	}

	tick, err := e.broker.GetTickSize(ctx, symbol)
	if err != nil {
		return 0, err
	}

	e.tickMu.Lock()
	e.tickSizes[symbol] = tick
	e.tickMu.Unlock()
	return tick, nil
}

// backoff returns baseDelay * 2^retry capped at maxDelay
func backoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
