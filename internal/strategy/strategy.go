package strategy

import (
	"fmt"

	"stopguard/internal/types"
)

// Strategy computes and maintains a protective stop for a long position.
// Implementations are pure state transformers: Init builds the initial
// StopLossState from historical data, OnPrice and OnCandle return updated
// copies. The tracker owns the monotonic non-decrease rule; strategies
// report candidate stops without comparing against the stored value.
type Strategy interface {
	Kind() types.StrategyKind

	// Init builds the initial stop state for a freshly tracked position.
	// Returns types.ErrNotReady when history is insufficient; the caller
	// keeps the position tracked and retries on the next cycle.
	Init(pos types.Position, history []types.DailyBar) (types.StopLossState, error)

	// OnPrice folds a polled last-traded price into the state.
	OnPrice(s types.StopLossState, price float64) types.StopLossState

	// OnCandle folds a sealed candle into the state. fullExit is true when
	// the strategy demands an immediate exit of the remaining quantity
	// (trend reversal), independent of any tranche.
	OnCandle(s types.StopLossState, c types.Candle) (types.StopLossState, bool)
}

// New returns the strategy implementation for the configured kind
func New(kind types.StrategyKind, atrCfg ATRConfig, psarCfg PSARConfig) (Strategy, error) {
	switch kind {
	case types.StrategyATR:
		return NewATRTrailing(atrCfg), nil
	case types.StrategyPSAR:
		return NewPSARTrailing(psarCfg), nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
}
