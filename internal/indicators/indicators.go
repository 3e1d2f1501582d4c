package indicators

import (
	"math"
)

// Bar is one OHLC bar, decoupled from the broker adapter's types
type Bar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// TrueRange returns the greatest of (high-low), |high-prevClose|, |low-prevClose|
func TrueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// ATR calculates Average True Range over the given period using Wilder's
// smoothing: a simple mean of the first period true ranges, then
// ATR' = (ATR*(period-1) + TR) / period for each later bar. The first
// bar's true range is its high-low since it has no prior close, so
// period bars are enough. Returns 0 with fewer.
func ATR(bars []Bar, period int) float64 {
	if period < 1 || len(bars) < period {
		return 0
	}

	trueRanges := make([]float64, len(bars))
	trueRanges[0] = bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		trueRanges[i] = TrueRange(bars[i].High, bars[i].Low, bars[i-1].Close)
	}

	atr := average(trueRanges[:period])
	for i := period; i < len(trueRanges); i++ {
		atr = (atr*float64(period-1) + trueRanges[i]) / float64(period)
	}
	return atr
}

// EMA calculates Exponential Moving Average
func EMA(values []float64, period int) float64 {
	if len(values) < period {
		return average(values)
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(values[:period]) // Start with SMA

	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*multiplier + ema
	}

	return ema
}

// SMA calculates Simple Moving Average
func SMA(values []float64, period int) float64 {
	if len(values) < period {
		return average(values)
	}
	return average(values[len(values)-period:])
}

// SARState is the running state of a long-only parabolic SAR computation
type SARState struct {
	SAR          float64 // current stop-and-reverse level
	ExtremePoint float64 // highest high since the trend started
	AccelFactor  float64 // current acceleration factor
}

// SARStep advances the parabolic SAR by one sealed candle.
//
//	SAR' = SAR + AF * (EP - SAR)
//
// The acceleration factor increases by increment each time a new extreme
// high is set, capped at maxAF. The returned flipped flag is true when the
// candle's close falls below the advanced SAR, ending the uptrend.
func SARStep(s SARState, high, low, close float64, increment, maxAF float64) (SARState, bool) {
	next := s
	next.SAR = s.SAR + s.AccelFactor*(s.ExtremePoint-s.SAR)

	if high > next.ExtremePoint {
		next.ExtremePoint = high
		next.AccelFactor = math.Min(next.AccelFactor+increment, maxAF)
	}

	flipped := close < next.SAR
	return next, flipped
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
