package types

import "errors"

// Error taxonomy for the watchdog. Recoverable conditions are re-evaluated
// on the next cycle; only ErrExecutionFailed is terminal for a single
// attempt, and even then the position stays tracked.
var (
	// ErrNotReady means the strategy has insufficient history to compute
	// a stop. The position is held unprotected and retried each cycle.
	ErrNotReady = errors.New("strategy not ready: insufficient history")

	// ErrStaleData means the tick stream is disconnected; the engine falls
	// back to polled prices for stop evaluation.
	ErrStaleData = errors.New("tick stream stale")

	// ErrDuplicate means an order is already pending for the tranche.
	// Treated as an idempotent no-op, not surfaced to the operator.
	ErrDuplicate = errors.New("order already pending for tranche")

	// ErrStalePosition means the broker no longer shows the position;
	// the tracker entry is removed instead of placing an order.
	ErrStalePosition = errors.New("position no longer held at broker")

	// ErrExecutionFailed means order placement exhausted its retries.
	ErrExecutionFailed = errors.New("order execution failed after retries")

	// ErrNoTickSize means the instrument's tick size is unavailable and
	// the executor fell back to two-decimal rounding.
	ErrNoTickSize = errors.New("tick size unavailable")
)
