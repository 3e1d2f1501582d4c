package strategy

import (
	"errors"
	"math"
	"testing"

	"stopguard/internal/types"
)

// flatHistory builds daily bars with a constant true range so the 20-period
// ATR resolves exactly to rangeSize.
func flatHistory(n int, close, rangeSize float64) []types.DailyBar {
	bars := make([]types.DailyBar, n)
	for i := range bars {
		bars[i] = types.DailyBar{
			Open:  close,
			High:  close + rangeSize/2,
			Low:   close - rangeSize/2,
			Close: close,
		}
	}
	return bars
}

func TestATRTrailing_Classify(t *testing.T) {
	a := NewATRTrailing(ATRConfig{})

	tests := []struct {
		atrPct   float64
		expected types.Volatility
		mult     float64
	}{
		{1.9, types.VolLow, 1.0},
		{2.0, types.VolMedium, 1.5},
		{4.0, types.VolMedium, 1.5},
		{4.1, types.VolHigh, 2.0},
	}

	for _, tt := range tests {
		vol, mult := a.Classify(tt.atrPct)
		if vol != tt.expected {
			t.Errorf("Classify(%v) = %v, want %v", tt.atrPct, vol, tt.expected)
		}
		if mult != tt.mult {
			t.Errorf("Classify(%v) multiplier = %v, want %v", tt.atrPct, mult, tt.mult)
		}
	}
}

func TestATRTrailing_InitMediumScenario(t *testing.T) {
	// Entry 500 with a 15-point ATR (3.0% of price): MEDIUM category,
	// multiplier 1.5, initial stop 477.50, targets 537.50 and 560.
	a := NewATRTrailing(ATRConfig{})
	pos := types.Position{Symbol: "RELIANCE", EntryPrice: 500, Quantity: 10}

	state, err := a.Init(pos, flatHistory(25, 500, 15))
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if state.Volatility != types.VolMedium {
		t.Errorf("Volatility = %v, want MEDIUM", state.Volatility)
	}
	if math.Abs(state.ATR-15) > 0.0001 {
		t.Errorf("ATR = %v, want 15", state.ATR)
	}
	if math.Abs(state.Stop-477.50) > 0.0001 {
		t.Errorf("initial stop = %v, want 477.50", state.Stop)
	}

	if len(state.Tranches) != 3 {
		t.Fatalf("tranches = %d, want 3", len(state.Tranches))
	}
	if state.Tranches[0].Kind != types.TriggerStopLoss || state.Tranches[0].Fraction != 0.40 {
		t.Errorf("stop tranche = %+v, want 40%% at stop", state.Tranches[0])
	}
	if math.Abs(state.Tranches[1].TriggerPrice-537.50) > 0.0001 {
		t.Errorf("first target = %v, want 537.50", state.Tranches[1].TriggerPrice)
	}
	if math.Abs(state.Tranches[2].TriggerPrice-560) > 0.0001 {
		t.Errorf("second target = %v, want 560", state.Tranches[2].TriggerPrice)
	}
}

func TestATRTrailing_InitNotReady(t *testing.T) {
	a := NewATRTrailing(ATRConfig{})
	pos := types.Position{Symbol: "TCS", EntryPrice: 3000}

	_, err := a.Init(pos, flatHistory(10, 3000, 30))
	if !errors.Is(err, types.ErrNotReady) {
		t.Errorf("Init with 10 bars: err = %v, want ErrNotReady", err)
	}
}

func TestATRTrailing_InitReadyAtFullPeriod(t *testing.T) {
	// A full 20-day history is the stated minimum; no extra bar required.
	a := NewATRTrailing(ATRConfig{})
	pos := types.Position{Symbol: "TCS", EntryPrice: 3000, Quantity: 5}

	state, err := a.Init(pos, flatHistory(20, 3000, 30))
	if err != nil {
		t.Fatalf("Init with 20 bars: %v", err)
	}
	if !state.Ready {
		t.Error("expected ready state at exactly 20 bars")
	}
	if math.Abs(state.ATR-30) > 0.0001 {
		t.Errorf("ATR = %v, want 30", state.ATR)
	}
}

func TestATRTrailing_TrancheFractionsSumToOne(t *testing.T) {
	for vol, plan := range tranchePlans {
		sum := plan.stopFraction
		for _, f := range plan.targetFractions {
			sum += f
		}
		if math.Abs(sum-1.0) > 1e-6 {
			t.Errorf("%v tranche fractions sum to %v, want 1.0", vol, sum)
		}
	}
}

func TestATRTrailing_TrailingNeverRegresses(t *testing.T) {
	// position_high path [500, 520, 510, 530] with ATR 15 and multiplier
	// 1.5 yields candidate stops [477.5, 497.5, 497.5, 507.5] after the
	// monotonic filter.
	a := NewATRTrailing(ATRConfig{})
	state := types.StopLossState{
		Strategy:     types.StrategyATR,
		Ready:        true,
		ATR:          15,
		Multiplier:   1.5,
		Stop:         477.5,
		PositionHigh: 500,
	}

	prices := []float64{500, 520, 510, 530}
	expected := []float64{477.5, 497.5, 497.5, 507.5}

	stored := state.Stop
	for i, price := range prices {
		state = a.OnPrice(state, price)
		// Tracker-side monotonic rule: only apply increases
		if state.Stop > stored {
			stored = state.Stop
		}
		if math.Abs(stored-expected[i]) > 0.0001 {
			t.Errorf("after price %v: stop = %v, want %v", price, stored, expected[i])
		}
	}
}
