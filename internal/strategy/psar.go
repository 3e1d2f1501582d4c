package strategy

import (
	"github.com/google/uuid"

	"stopguard/internal/indicators"
	"stopguard/internal/types"
)

// PSARConfig holds the acceleration parameters for the parabolic SAR
type PSARConfig struct {
	Start     float64 // initial acceleration factor, default 0.02
	Increment float64 // AF step per new extreme, default 0.02
	Max       float64 // AF cap, default 0.2
}

// DefaultPSARConfig returns the standard Wilder parameters
func DefaultPSARConfig() PSARConfig {
	return PSARConfig{Start: 0.02, Increment: 0.02, Max: 0.2}
}

// PSARTrailing follows the trend with a parabolic SAR built from sealed
// tick candles. Long-only: a flip (close below SAR) is an immediate
// full-exit signal rather than a reversal into a short.
type PSARTrailing struct {
	cfg PSARConfig
}

// NewPSARTrailing creates the trend-based trailing stop strategy
func NewPSARTrailing(cfg PSARConfig) *PSARTrailing {
	def := DefaultPSARConfig()
	if cfg.Start == 0 {
		cfg.Start = def.Start
	}
	if cfg.Increment == 0 {
		cfg.Increment = def.Increment
	}
	if cfg.Max == 0 {
		cfg.Max = def.Max
	}
	return &PSARTrailing{cfg: cfg}
}

func (p *PSARTrailing) Kind() types.StrategyKind {
	return types.StrategyPSAR
}

// Init starts the position unprotected: the SAR needs at least two sealed
// candles before it produces a usable stop, so Ready stays false until
// OnCandle has seen them. A single full-quantity stop tranche covers the
// position once ready.
func (p *PSARTrailing) Init(pos types.Position, history []types.DailyBar) (types.StopLossState, error) {
	state := types.StopLossState{
		Strategy:     types.StrategyPSAR,
		AccelFactor:  p.cfg.Start,
		TrendUp:      true,
		PositionHigh: pos.EntryPrice,
		Tranches: []types.ExitTranche{
			{
				ID:       uuid.NewString(),
				Kind:     types.TriggerStopLoss,
				Fraction: 1.0,
			},
		},
	}
	return state, types.ErrNotReady
}

// OnPrice only tracks the position high; the stop itself advances candle by
// candle through the SAR.
func (p *PSARTrailing) OnPrice(s types.StopLossState, price float64) types.StopLossState {
	if price > s.PositionHigh {
		s.PositionHigh = price
	}
	return s
}

// OnCandle advances the SAR by one sealed candle. The first candle seeds
// the SAR from its low assuming an uptrend; from the second candle on the
// SAR accelerates toward price and is surfaced as the stop. A close below
// the SAR flips the trend and demands a full exit.
func (p *PSARTrailing) OnCandle(s types.StopLossState, c types.Candle) (types.StopLossState, bool) {
	s = p.OnPrice(s, c.Close)

	if s.CandlesSeen == 0 {
		s.SAR = c.Low
		s.ExtremePoint = c.High
		s.AccelFactor = p.cfg.Start
		s.TrendUp = true
		s.CandlesSeen = 1
		return s, false
	}

	if !s.TrendUp {
		// Already flipped; the full exit was signalled once and the
		// position is on its way out.
		s.CandlesSeen++
		return s, false
	}

	sar := indicators.SARState{
		SAR:          s.SAR,
		ExtremePoint: s.ExtremePoint,
		AccelFactor:  s.AccelFactor,
	}
	next, flipped := indicators.SARStep(sar, c.High, c.Low, c.Close, p.cfg.Increment, p.cfg.Max)

	s.SAR = next.SAR
	s.ExtremePoint = next.ExtremePoint
	s.AccelFactor = next.AccelFactor
	s.CandlesSeen++
	s.Ready = true
	s.Stop = next.SAR
	if len(s.Tranches) > 0 && s.Tranches[0].Kind == types.TriggerStopLoss {
		s.Tranches[0].TriggerPrice = next.SAR
	}

	if flipped {
		s.TrendUp = false
		s.AccelFactor = p.cfg.Start
		return s, true
	}
	return s, false
}
