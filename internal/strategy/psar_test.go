package strategy

import (
	"errors"
	"testing"

	"stopguard/internal/types"
)

func candle(high, low, close float64) types.Candle {
	return types.Candle{Symbol: "INFY", Open: close, High: high, Low: low, Close: close, TickCount: 1000}
}

func TestPSARTrailing_InitNotReady(t *testing.T) {
	p := NewPSARTrailing(PSARConfig{})
	pos := types.Position{Symbol: "INFY", EntryPrice: 1500, Quantity: 5}

	state, err := p.Init(pos, nil)
	if !errors.Is(err, types.ErrNotReady) {
		t.Fatalf("Init err = %v, want ErrNotReady", err)
	}
	if state.Ready {
		t.Error("state should not be ready before two sealed candles")
	}
	if len(state.Tranches) != 1 || state.Tranches[0].Fraction != 1.0 {
		t.Errorf("tranches = %+v, want single full-quantity stop tranche", state.Tranches)
	}
}

func TestPSARTrailing_SeedAndAdvance(t *testing.T) {
	p := NewPSARTrailing(PSARConfig{})
	pos := types.Position{Symbol: "INFY", EntryPrice: 100, Quantity: 5}
	state, _ := p.Init(pos, nil)

	// First candle seeds the SAR from its low; still not ready.
	state, exit := p.OnCandle(state, candle(102, 100, 101))
	if exit {
		t.Fatal("seed candle must not signal an exit")
	}
	if state.Ready {
		t.Error("one candle is not enough to be ready")
	}
	if state.SAR != 100 || state.ExtremePoint != 102 {
		t.Errorf("seed SAR/EP = %v/%v, want 100/102", state.SAR, state.ExtremePoint)
	}

	// Second candle: SAR accelerates toward price and becomes the stop.
	state, exit = p.OnCandle(state, candle(104, 102, 103))
	if exit {
		t.Fatal("rising candle must not signal an exit")
	}
	if !state.Ready {
		t.Error("two candles should make the strategy ready")
	}
	if state.Stop != state.SAR {
		t.Errorf("stop %v should surface the SAR %v", state.Stop, state.SAR)
	}
	if state.Tranches[0].TriggerPrice != state.SAR {
		t.Errorf("stop tranche trigger %v should follow the SAR %v", state.Tranches[0].TriggerPrice, state.SAR)
	}
}

func TestPSARTrailing_FlipFiresExactlyOnce(t *testing.T) {
	p := NewPSARTrailing(PSARConfig{})
	pos := types.Position{Symbol: "INFY", EntryPrice: 100, Quantity: 5}
	state, _ := p.Init(pos, nil)

	rising := []types.Candle{
		candle(102, 100, 101),
		candle(104, 102, 103),
		candle(106, 104, 105),
		candle(108, 106, 107),
	}

	exits := 0
	for _, c := range rising {
		var exit bool
		state, exit = p.OnCandle(state, c)
		if exit {
			exits++
		}
	}
	if exits != 0 {
		t.Fatalf("rising sequence produced %d exits, want 0", exits)
	}

	// Collapse well below the running SAR: the flip must fire once.
	state, exit := p.OnCandle(state, candle(100, 95, 96))
	if !exit {
		t.Fatal("close below SAR should signal a full exit")
	}

	// Further weak candles must not re-fire.
	state, exit = p.OnCandle(state, candle(96, 92, 93))
	if exit {
		t.Error("flip already signalled; must not fire twice")
	}
	_ = state
}
