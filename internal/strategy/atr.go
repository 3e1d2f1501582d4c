package strategy

import (
	"github.com/google/uuid"

	"stopguard/internal/indicators"
	"stopguard/internal/types"
)

// ATRConfig holds the thresholds and multipliers for the volatility-based
// trailing stop. Zero values are replaced by defaults in Validate.
type ATRConfig struct {
	Period           int     // ATR lookback, default 20
	LowThresholdPct  float64 // atr_pct below this is LOW, default 2.0
	HighThresholdPct float64 // atr_pct above this is HIGH, default 4.0
	LowMultiplier    float64 // default 1.0
	MediumMultiplier float64 // default 1.5
	HighMultiplier   float64 // default 2.0
}

// DefaultATRConfig returns the standard 20-period configuration
func DefaultATRConfig() ATRConfig {
	return ATRConfig{
		Period:           20,
		LowThresholdPct:  2.0,
		HighThresholdPct: 4.0,
		LowMultiplier:    1.0,
		MediumMultiplier: 1.5,
		HighMultiplier:   2.0,
	}
}

// tranchePlan describes the exit split for one volatility category.
// stopFraction exits at the stop; each target exits targetFractions[i] of
// the original quantity at entry + targetATRs[i] * ATR.
type tranchePlan struct {
	stopFraction    float64
	targetFractions []float64
	targetATRs      []float64
}

// Exit splits are fixed at position-open time and never recomputed.
var tranchePlans = map[types.Volatility]tranchePlan{
	types.VolLow:    {stopFraction: 0.50, targetFractions: []float64{0.30, 0.20}, targetATRs: []float64{2.0, 3.0}},
	types.VolMedium: {stopFraction: 0.40, targetFractions: []float64{0.30, 0.30}, targetATRs: []float64{2.5, 4.0}},
	types.VolHigh:   {stopFraction: 0.30, targetFractions: []float64{0.30, 0.40}, targetATRs: []float64{3.0, 5.0}},
}

// ATRTrailing trails the stop below the position high by a multiple of the
// 20-period daily ATR. The multiplier widens with volatility so choppy
// symbols are not shaken out by normal noise.
type ATRTrailing struct {
	cfg ATRConfig
}

// NewATRTrailing creates the volatility-based trailing stop strategy
func NewATRTrailing(cfg ATRConfig) *ATRTrailing {
	def := DefaultATRConfig()
	if cfg.Period == 0 {
		cfg.Period = def.Period
	}
	if cfg.LowThresholdPct == 0 {
		cfg.LowThresholdPct = def.LowThresholdPct
	}
	if cfg.HighThresholdPct == 0 {
		cfg.HighThresholdPct = def.HighThresholdPct
	}
	if cfg.LowMultiplier == 0 {
		cfg.LowMultiplier = def.LowMultiplier
	}
	if cfg.MediumMultiplier == 0 {
		cfg.MediumMultiplier = def.MediumMultiplier
	}
	if cfg.HighMultiplier == 0 {
		cfg.HighMultiplier = def.HighMultiplier
	}
	return &ATRTrailing{cfg: cfg}
}

func (a *ATRTrailing) Kind() types.StrategyKind {
	return types.StrategyATR
}

// Classify resolves the volatility category and its stop multiplier from
// ATR as a percentage of price. Boundaries are inclusive into MEDIUM.
func (a *ATRTrailing) Classify(atrPct float64) (types.Volatility, float64) {
	switch {
	case atrPct < a.cfg.LowThresholdPct:
		return types.VolLow, a.cfg.LowMultiplier
	case atrPct <= a.cfg.HighThresholdPct:
		return types.VolMedium, a.cfg.MediumMultiplier
	default:
		return types.VolHigh, a.cfg.HighMultiplier
	}
}

// Init computes the ATR, classifies volatility, sets the initial stop below
// the latest close and lays out the exit tranches against the entry price.
func (a *ATRTrailing) Init(pos types.Position, history []types.DailyBar) (types.StopLossState, error) {
	if len(history) < a.cfg.Period {
		return types.StopLossState{Strategy: types.StrategyATR}, types.ErrNotReady
	}

	bars := make([]indicators.Bar, len(history))
	for i, d := range history {
		bars[i] = indicators.Bar{Open: d.Open, High: d.High, Low: d.Low, Close: d.Close}
	}

	atr := indicators.ATR(bars, a.cfg.Period)
	latestClose := history[len(history)-1].Close
	if atr == 0 || latestClose <= 0 {
		return types.StopLossState{Strategy: types.StrategyATR}, types.ErrNotReady
	}

	atrPct := atr / latestClose * 100
	vol, mult := a.Classify(atrPct)

	state := types.StopLossState{
		Strategy:     types.StrategyATR,
		Ready:        true,
		ATR:          atr,
		Volatility:   vol,
		Multiplier:   mult,
		Stop:         latestClose - atr*mult,
		PositionHigh: latestClose,
		Tranches:     buildTranches(pos.EntryPrice, atr, vol, latestClose-atr*mult),
	}
	return state, nil
}

// buildTranches lays out the category's exit split. The stop tranche's
// trigger follows the trailing stop; profit targets are absolute prices
// anchored to the entry.
func buildTranches(entryPrice, atr float64, vol types.Volatility, initialStop float64) []types.ExitTranche {
	plan := tranchePlans[vol]

	tranches := make([]types.ExitTranche, 0, 1+len(plan.targetFractions))
	tranches = append(tranches, types.ExitTranche{
		ID:           uuid.NewString(),
		Kind:         types.TriggerStopLoss,
		TriggerPrice: initialStop,
		Fraction:     plan.stopFraction,
	})
	for i, frac := range plan.targetFractions {
		tranches = append(tranches, types.ExitTranche{
			ID:           uuid.NewString(),
			Kind:         types.TriggerProfitTarget,
			TriggerPrice: entryPrice + plan.targetATRs[i]*atr,
			Fraction:     frac,
		})
	}
	return tranches
}

// OnPrice raises the position high and recomputes the candidate stop below
// it. The returned stop may be lower than the stored one; the tracker
// discards such regressions.
func (a *ATRTrailing) OnPrice(s types.StopLossState, price float64) types.StopLossState {
	if !s.Ready {
		return s
	}
	if price > s.PositionHigh {
		s.PositionHigh = price
	}
	s.Stop = s.PositionHigh - s.ATR*s.Multiplier
	return s
}

// OnCandle treats the candle close as a price observation. The ATR strategy
// consumes daily history, not live candles, so no path-dependent state
// advances here.
func (a *ATRTrailing) OnCandle(s types.StopLossState, c types.Candle) (types.StopLossState, bool) {
	return a.OnPrice(s, c.Close), false
}
