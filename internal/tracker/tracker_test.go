package tracker

import (
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"testing"

	"stopguard/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func protectedPosition(symbol string, stop float64) types.Position {
	return types.Position{
		Symbol:     symbol,
		Product:    types.ProductDelivery,
		Side:       types.SideLong,
		Quantity:   10,
		EntryPrice: 500,
		State:      types.StateProtected,
		StopLoss: &types.StopLossState{
			Strategy:     types.StrategyATR,
			Ready:        true,
			Stop:         stop,
			PositionHigh: 500,
			ATR:          15,
			Multiplier:   1.5,
			Tranches: []types.ExitTranche{
				{ID: "t-stop", Kind: types.TriggerStopLoss, TriggerPrice: stop, Fraction: 0.4},
				{ID: "t-tp1", Kind: types.TriggerProfitTarget, TriggerPrice: 537.5, Fraction: 0.3},
				{ID: "t-tp2", Kind: types.TriggerProfitTarget, TriggerPrice: 560, Fraction: 0.3},
			},
		},
	}
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	snap := tr.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snap))
	}

	// Mutating the snapshot must not leak into the tracker
	snap[0].StopLoss.Stop = 1
	snap[0].StopLoss.Tranches[0].Consumed = true

	got, _ := tr.Get("SBIN", types.ProductDelivery)
	if got.StopLoss.Stop != 477.5 {
		t.Errorf("tracker stop mutated through snapshot: %v", got.StopLoss.Stop)
	}
	if got.StopLoss.Tranches[0].Consumed {
		t.Error("tracker tranche mutated through snapshot")
	}
}

func TestTracker_RemoveIdempotent(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	tr.Remove("SBIN", types.ProductDelivery)
	if tr.Count() != 0 {
		t.Fatalf("count = %d after remove, want 0", tr.Count())
	}

	// Second and third removals of an absent position are no-ops
	tr.Remove("SBIN", types.ProductDelivery)
	tr.Remove("NOPE", types.ProductIntraday)
	if tr.Count() != 0 {
		t.Errorf("count = %d, want 0", tr.Count())
	}
}

func TestTracker_MonotonicStopUnderRandomPaths(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	rng := rand.New(rand.NewSource(42))
	price := 500.0
	high := 500.0
	lastStop := 477.5

	for i := 0; i < 5000; i++ {
		price += (rng.Float64() - 0.5) * 20 // rising and falling path
		if price > high {
			high = price
		}

		candidate := types.StopLossState{
			Strategy:     types.StrategyATR,
			Ready:        true,
			Stop:         high - 22.5,
			PositionHigh: high,
			ATR:          15,
			Multiplier:   1.5,
		}
		applied, ok := tr.UpdateStop("SBIN", types.ProductDelivery, candidate)
		if !ok {
			t.Fatal("position disappeared")
		}
		if applied < lastStop {
			t.Fatalf("stop regressed at step %d: %v -> %v", i, lastStop, applied)
		}
		lastStop = applied
	}
}

func TestTracker_MarkPendingOrderDedup(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-stop")
		}()
	}
	wg.Wait()
	close(results)

	accepted, duplicates := 0, 0
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, types.ErrDuplicate):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || duplicates != 1 {
		t.Errorf("accepted=%d duplicates=%d, want exactly one of each", accepted, duplicates)
	}
}

func TestTracker_ClearPendingAllowsRetry(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	if err := tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-stop"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	tr.ClearPendingOrder("SBIN", types.ProductDelivery, "t-stop")
	if err := tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-stop"); err != nil {
		t.Fatalf("mark after clear: %v", err)
	}
}

func TestTracker_ConsumeTranchePartialThenClose(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	// 40% stop tranche of 10 shares
	closed := tr.ConsumeTranche("SBIN", types.ProductDelivery, "t-stop", 4)
	if closed {
		t.Fatal("position should remain open after a partial exit")
	}
	got, _ := tr.Get("SBIN", types.ProductDelivery)
	if got.RemainingQuantity != 6 {
		t.Errorf("remaining = %v, want 6", got.RemainingQuantity)
	}
	if !got.StopLoss.Tranches[0].Consumed {
		t.Error("stop tranche should be consumed")
	}

	tr.ConsumeTranche("SBIN", types.ProductDelivery, "t-tp1", 3)
	closed = tr.ConsumeTranche("SBIN", types.ProductDelivery, "t-tp2", 3)
	if !closed {
		t.Fatal("position should close when remaining quantity reaches zero")
	}
	if tr.Count() != 0 {
		t.Errorf("count = %d after close, want 0", tr.Count())
	}
}

func TestTracker_ConsumedTrancheNeverRefires(t *testing.T) {
	tr := New(testLogger())
	tr.Upsert(protectedPosition("SBIN", 477.5))

	tr.ConsumeTranche("SBIN", types.ProductDelivery, "t-stop", 4)
	err := tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-stop")
	if !errors.Is(err, types.ErrDuplicate) {
		t.Errorf("marking a consumed tranche: err = %v, want ErrDuplicate", err)
	}
}

func TestTracker_UpdateStopPreservesTrancheFlags(t *testing.T) {
	tr := New(testLogger())
	pos := protectedPosition("SBIN", 477.5)
	tr.Upsert(pos)

	if err := tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-tp1"); err != nil {
		t.Fatal(err)
	}

	// A strategy recompute carries fresh tranche structs; stored flags win
	next := *pos.StopLoss
	next.Stop = 490
	next.Tranches = make([]types.ExitTranche, len(pos.StopLoss.Tranches))
	copy(next.Tranches, pos.StopLoss.Tranches)
	tr.UpdateStop("SBIN", types.ProductDelivery, next)

	err := tr.MarkPendingOrder("SBIN", types.ProductDelivery, "t-tp1")
	if !errors.Is(err, types.ErrDuplicate) {
		t.Errorf("pending flag lost across UpdateStop: err = %v, want ErrDuplicate", err)
	}
}
