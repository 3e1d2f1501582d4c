package tracker

import (
	"log/slog"
	"sync"
	"time"

	"stopguard/internal/types"
)

// quantityEpsilon absorbs float noise when deciding a position is fully exited
const quantityEpsilon = 1e-9

// Tracker is the authoritative registry of monitored positions. All
// mutations go through its methods under one lock; reads hand out deep
// copies so no caller ever holds a live reference into the registry. This
// is what makes the monotonic-stop and order-dedup invariants safe under
// concurrent pollers, candle workers and the executor.
type Tracker struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	positions map[string]*types.Position
}

// New creates an empty tracker
func New(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:    logger,
		positions: make(map[string]*types.Position),
	}
}

// Upsert adds a position to tracking or refreshes an existing entry's
// broker-reported fields. Stop-loss state and pending-order flags of an
// existing entry are preserved; quantity changes from the broker win.
func (t *Tracker) Upsert(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pos.Key()
	now := time.Now()

	existing, ok := t.positions[key]
	if !ok {
		if pos.State == "" {
			pos.State = types.StateInitializing
		}
		if pos.RemainingQuantity == 0 {
			pos.RemainingQuantity = pos.Quantity
		}
		pos.CreatedAt = now
		pos.UpdatedAt = now
		stored := clonePosition(&pos)
		t.positions[key] = stored
		t.logger.Info("[TRACKER] Position tracked",
			"symbol", pos.Symbol,
			"product", pos.Product,
			"quantity", pos.Quantity,
			"entry_price", pos.EntryPrice,
		)
		return
	}

	existing.Exchange = pos.Exchange
	existing.EntryPrice = pos.EntryPrice
	existing.Investment = pos.Investment
	existing.InstrumentID = pos.InstrumentID
	if pos.Quantity != existing.Quantity {
		existing.Quantity = pos.Quantity
		if pos.RemainingQuantity > 0 {
			existing.RemainingQuantity = pos.RemainingQuantity
		} else {
			existing.RemainingQuantity = pos.Quantity
		}
	}
	if pos.StopLoss != nil {
		existing.StopLoss = cloneStopLoss(pos.StopLoss)
	}
	if pos.State != "" {
		existing.State = pos.State
	}
	existing.UpdatedAt = now
}

// Get returns a deep copy of one position
func (t *Tracker) Get(symbol string, product types.Product) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.positions[types.PositionKey(symbol, product)]
	if !ok {
		return types.Position{}, false
	}
	return *clonePosition(p), true
}

// Snapshot returns deep copies of every tracked position
func (t *Tracker) Snapshot() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *clonePosition(p))
	}
	return out
}

// Count returns the number of tracked positions
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// Remove drops a position from tracking. Idempotent: removing an absent
// position is a no-op, so ghost cleanup can run repeatedly.
func (t *Tracker) Remove(symbol string, product types.Product) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := types.PositionKey(symbol, product)
	if _, ok := t.positions[key]; !ok {
		return
	}
	delete(t.positions, key)
	t.logger.Info("[TRACKER] Position removed", "symbol", symbol, "product", product)
}

// UpdateStop folds a recomputed stop state into the position. The stop
// price and the stop tranche's trigger only ever move up for a long
// position; a candidate below the stored stop is recorded as a no-op for
// everything except the bookkeeping fields (position high, SAR internals),
// which always advance. Returns the applied stop.
func (t *Tracker) UpdateStop(symbol string, product types.Product, state types.StopLossState) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[types.PositionKey(symbol, product)]
	if !ok {
		return 0, false
	}

	incoming := cloneStopLoss(&state)

	if p.StopLoss != nil && p.StopLoss.Ready {
		prev := p.StopLoss
		if incoming.Stop < prev.Stop {
			incoming.Stop = prev.Stop
		}
		if incoming.PositionHigh < prev.PositionHigh {
			incoming.PositionHigh = prev.PositionHigh
		}
		// Pending/consumed flags live on the stored tranches; carry them
		// over and keep stop-tranche triggers monotonic too.
		for i := range incoming.Tranches {
			for _, old := range prev.Tranches {
				if old.ID != incoming.Tranches[i].ID {
					continue
				}
				incoming.Tranches[i].Consumed = old.Consumed
				incoming.Tranches[i].PendingOrder = old.PendingOrder
				if incoming.Tranches[i].Kind == types.TriggerStopLoss &&
					incoming.Tranches[i].TriggerPrice < old.TriggerPrice {
					incoming.Tranches[i].TriggerPrice = old.TriggerPrice
				}
			}
		}
	}

	p.StopLoss = incoming
	if incoming.Ready && p.State == types.StateInitializing {
		p.State = types.StateProtected
	}
	p.UpdatedAt = time.Now()
	return incoming.Stop, true
}

// MarkPendingOrder claims the single order slot for a tranche. Returns
// types.ErrDuplicate when an order is already outstanding, which the
// executor treats as an idempotent skip.
func (t *Tracker) MarkPendingOrder(symbol string, product types.Product, trancheID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[types.PositionKey(symbol, product)]
	if !ok {
		return types.ErrStalePosition
	}

	tr := findTranche(p, trancheID)
	if tr == nil {
		return types.ErrStalePosition
	}
	if tr.PendingOrder || tr.Consumed {
		return types.ErrDuplicate
	}

	tr.PendingOrder = true
	p.State = types.StateExitPending
	p.UpdatedAt = time.Now()
	return nil
}

// ClearPendingOrder releases a tranche's order slot after a terminal
// OrderResult, so the next evaluation cycle may retry the exit
func (t *Tracker) ClearPendingOrder(symbol string, product types.Product, trancheID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[types.PositionKey(symbol, product)]
	if !ok {
		return
	}
	if tr := findTranche(p, trancheID); tr != nil {
		tr.PendingOrder = false
	}
	if !anyPending(p) && p.State == types.StateExitPending {
		p.State = types.StateProtected
	}
	p.UpdatedAt = time.Now()
}

// ConsumeTranche records a confirmed exit: the tranche never re-fires and
// the remaining quantity drops by the filled amount. Returns true when the
// position is fully exited and has been removed from tracking.
func (t *Tracker) ConsumeTranche(symbol string, product types.Product, trancheID string, filledQty float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := types.PositionKey(symbol, product)
	p, ok := t.positions[key]
	if !ok {
		return false
	}

	if tr := findTranche(p, trancheID); tr != nil {
		tr.Consumed = true
		tr.PendingOrder = false
	}

	p.RemainingQuantity -= filledQty
	p.UpdatedAt = time.Now()

	if p.RemainingQuantity <= quantityEpsilon {
		p.State = types.StateClosed
		delete(t.positions, key)
		t.logger.Info("[TRACKER] Position closed",
			"symbol", symbol,
			"product", product,
		)
		return true
	}

	if !anyPending(p) && p.State == types.StateExitPending {
		p.State = types.StateProtected
	}
	return false
}

func findTranche(p *types.Position, trancheID string) *types.ExitTranche {
	if p.StopLoss == nil {
		return nil
	}
	for i := range p.StopLoss.Tranches {
		if p.StopLoss.Tranches[i].ID == trancheID {
			return &p.StopLoss.Tranches[i]
		}
	}
	return nil
}

func anyPending(p *types.Position) bool {
	if p.StopLoss == nil {
		return false
	}
	for _, tr := range p.StopLoss.Tranches {
		if tr.PendingOrder {
			return true
		}
	}
	return false
}

func clonePosition(p *types.Position) *types.Position {
	cp := *p
	cp.StopLoss = cloneStopLoss(p.StopLoss)
	return &cp
}

func cloneStopLoss(s *types.StopLossState) *types.StopLossState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Tranches = make([]types.ExitTranche, len(s.Tranches))
	copy(cp.Tranches, s.Tranches)
	return &cp
}
