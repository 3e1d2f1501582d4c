package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"stopguard/internal/broker"
	"stopguard/internal/journal"
	"stopguard/internal/metrics"
	"stopguard/internal/strategy"
	"stopguard/internal/tracker"
	"stopguard/internal/types"
)

// historyDays covers the longest indicator warmup with margin
const historyDays = 60

// Reconciler keeps the tracker consistent with the broker. It is the only
// component that adds or removes positions; the engine and executor only
// mutate stop state on positions that already exist.
type Reconciler struct {
	logger   *slog.Logger
	broker   broker.Broker
	tracker  *tracker.Tracker
	strategy strategy.Strategy
	journal  *journal.Journal
	product  types.Product
	interval time.Duration

	onAdded   func(pos types.Position)
	onRemoved func(symbol string, product types.Product)

	mu       sync.RWMutex
	holdings map[string]types.BrokerPosition
}

// New creates a reconciler scoped to one product type. onAdded/onRemoved
// are invoked after the tracker change so the caller can manage tick
// subscriptions; either may be nil.
func New(b broker.Broker, t *tracker.Tracker, strat strategy.Strategy, j *journal.Journal,
	product types.Product, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		logger:   logger,
		broker:   b,
		tracker:  t,
		strategy: strat,
		journal:  j,
		product:  product,
		interval: interval,
		holdings: make(map[string]types.BrokerPosition),
	}
}

// OnAdded registers a callback fired after a position is imported
func (r *Reconciler) OnAdded(fn func(pos types.Position)) {
	r.onAdded = fn
}

// OnRemoved registers a callback fired after a ghost is pruned
func (r *Reconciler) OnRemoved(fn func(symbol string, product types.Product)) {
	r.onRemoved = fn
}

// Run sweeps immediately and then on the configured interval until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("[RECONCILE] Initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("[RECONCILE] Stopping")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("[RECONCILE] Sweep failed", "error", err)
			}
		}
	}
}

// Sweep fetches broker holdings and brings the tracker in line: untracked
// holdings are imported with a freshly initialized stop, tracked positions
// absent at the broker are pruned as ghosts, and quantity drift is
// corrected in the broker's favor.
func (r *Reconciler) Sweep(ctx context.Context) error {
	brokerPositions, err := r.broker.GetPositions(ctx, r.product)
	if err != nil {
		// Leave the tracker untouched: pruning on a failed fetch would
		// drop protection for positions that still exist.
		return err
	}

	metrics.ReconcileRuns.Inc()

	byKey := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		byKey[types.PositionKey(bp.Symbol, bp.Product)] = bp
	}

	r.mu.Lock()
	r.holdings = byKey
	r.mu.Unlock()

	tracked := r.tracker.Snapshot()
	trackedKeys := make(map[string]bool, len(tracked))

	for _, pos := range tracked {
		key := pos.Key()
		trackedKeys[key] = true

		bp, held := byKey[key]
		if !held {
			r.logger.Warn("[RECONCILE] Ghost position pruned",
				"symbol", pos.Symbol,
				"product", pos.Product,
				"quantity", pos.RemainingQuantity,
			)
			r.tracker.Remove(pos.Symbol, pos.Product)
			metrics.GhostsRemoved.Inc()
			r.journal.RecordReconciliation(ctx, "ghost_removed", pos.Symbol, pos.Product, pos.RemainingQuantity)
			if r.onRemoved != nil {
				r.onRemoved(pos.Symbol, pos.Product)
			}
			continue
		}

		if bp.Quantity != pos.RemainingQuantity {
			r.logger.Info("[RECONCILE] Quantity drift corrected",
				"symbol", pos.Symbol,
				"tracked", pos.RemainingQuantity,
				"broker", bp.Quantity,
			)
			update := r.fromBroker(bp)
			update.State = "" // keep the existing protection state
			r.tracker.Upsert(update)
			r.journal.RecordReconciliation(ctx, "quantity_corrected", pos.Symbol, pos.Product, bp.Quantity)
		}
	}

	for key, bp := range byKey {
		if trackedKeys[key] {
			continue
		}
		if err := r.importPosition(ctx, bp); err != nil {
			// One bad symbol must not block the rest of the sweep.
			r.logger.Error("[RECONCILE] Failed to import position",
				"symbol", bp.Symbol,
				"error", err,
			)
		}
	}

	metrics.PositionsTracked.Set(float64(r.tracker.Count()))
	return nil
}

// HeldAtBroker reports whether the last sweep saw the position at the
// broker. The executor checks this before selling.
func (r *Reconciler) HeldAtBroker(symbol string, product types.Product) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.holdings[types.PositionKey(symbol, product)]
	return ok
}

func (r *Reconciler) importPosition(ctx context.Context, bp types.BrokerPosition) error {
	pos := r.fromBroker(bp)

	history, err := r.broker.GetHistoricalDaily(ctx, bp.Symbol, historyDays)
	if err != nil {
		return err
	}

	state, err := r.strategy.Init(pos, history)
	if err != nil && !errors.Is(err, types.ErrNotReady) {
		return err
	}

	pos.StopLoss = &state
	if state.Ready {
		pos.State = types.StateProtected
	} else {
		// Tracked but unprotected until enough candles accumulate; the
		// engine retries initialization on each poll cycle.
		pos.State = types.StateInitializing
		r.logger.Warn("[RECONCILE] Position imported without stop, awaiting data",
			"symbol", bp.Symbol,
			"strategy", r.strategy.Kind(),
		)
	}

	r.tracker.Upsert(pos)
	r.journal.RecordReconciliation(ctx, "position_imported", bp.Symbol, bp.Product, bp.Quantity)

	r.logger.Info("[RECONCILE] Position imported",
		"symbol", bp.Symbol,
		"product", bp.Product,
		"quantity", bp.Quantity,
		"entry_price", bp.AvgPrice,
		"ready", state.Ready,
		"stop", state.Stop,
	)

	if r.onAdded != nil {
		r.onAdded(pos)
	}
	return nil
}

func (r *Reconciler) fromBroker(bp types.BrokerPosition) types.Position {
	now := time.Now()
	return types.Position{
		Symbol:            bp.Symbol,
		Exchange:          bp.Exchange,
		Product:           bp.Product,
		Side:              types.SideLong,
		Quantity:          bp.Quantity,
		RemainingQuantity: bp.Quantity,
		EntryPrice:        bp.AvgPrice,
		Investment:        bp.AvgPrice * bp.Quantity,
		InstrumentID:      bp.InstrumentID,
		State:             types.StateInitializing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}
