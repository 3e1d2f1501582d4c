package executor

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"stopguard/internal/broker"
	"stopguard/internal/tracker"
	"stopguard/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

type fakeHoldings struct {
	held bool
}

func (f *fakeHoldings) HeldAtBroker(symbol string, product types.Product) bool {
	return f.held
}

func trackedPosition(symbol string, qty float64) types.Position {
	return types.Position{
		Symbol:            symbol,
		Product:           types.ProductDelivery,
		Side:              types.SideLong,
		Quantity:          qty,
		RemainingQuantity: qty,
		EntryPrice:        500,
		State:             types.StateProtected,
		StopLoss: &types.StopLossState{
			Strategy: types.StrategyATR,
			Ready:    true,
			Stop:     480,
			Tranches: []types.ExitTranche{
				{ID: "tr-1", Kind: types.TriggerStopLoss, TriggerPrice: 480, Fraction: 1.0},
			},
		},
	}
}

func exitRequest(symbol string, qty, price float64) types.ExitRequest {
	return types.ExitRequest{
		Symbol:    symbol,
		Product:   types.ProductDelivery,
		TrancheID: "tr-1",
		Kind:      types.TriggerStopLoss,
		Quantity:  qty,
		Price:     price,
		Timestamp: time.Now(),
	}
}

func newTestExecutor(t *testing.T, b broker.Broker, tr *tracker.Tracker, holdings HoldingChecker, dryRun bool) *Executor {
	t.Helper()
	e := New(b, tr, holdings, nil, dryRun, testLogger())
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestExecuteSellsAndConsumesTranche(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	orders := mock.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if orders[0].Side != types.SideSell {
		t.Errorf("expected SELL, got %s", orders[0].Side)
	}
	if _, ok := tr.Get("RELIANCE", types.ProductDelivery); ok {
		t.Error("full-quantity exit should remove the position")
	}
}

func TestExecuteRoundsPriceDownToTick(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.53))

	orders := mock.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if math.Abs(orders[0].Price-479.50) > 1e-9 {
		t.Errorf("expected price floored to 479.50, got %v", orders[0].Price)
	}
}

func TestExecuteFallsBackToTwoDecimals(t *testing.T) {
	// No tick size registered: the mock returns ErrNoTickSize.
	mock := broker.NewMockBroker(testLogger())
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.537))

	orders := mock.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(orders))
	}
	if math.Abs(orders[0].Price-479.53) > 1e-9 {
		t.Errorf("expected price floored to 479.53, got %v", orders[0].Price)
	}
}

func TestExecuteDeduplicatesTranche(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	if err := tr.MarkPendingOrder("RELIANCE", types.ProductDelivery, "tr-1"); err != nil {
		t.Fatalf("setup claim failed: %v", err)
	}

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	if n := len(mock.Orders()); n != 0 {
		t.Errorf("expected no orders for already-pending tranche, got %d", n)
	}
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	mock.FailNextOrders(2, true)
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	if n := len(mock.Orders()); n != 1 {
		t.Fatalf("expected success after retries, got %d orders", n)
	}
	if _, ok := tr.Get("RELIANCE", types.ProductDelivery); ok {
		t.Error("position should be removed after retried success")
	}
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	mock.FailNextOrders(10, true)
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	pos, ok := tr.Get("RELIANCE", types.ProductDelivery)
	if !ok {
		t.Fatal("position must stay tracked after execution failure")
	}
	// Pending flag released so the next evaluation can retry.
	if pos.StopLoss.Tranches[0].PendingOrder {
		t.Error("pending flag should be cleared after terminal failure")
	}
	if pos.State != types.StateProtected {
		t.Errorf("expected state PROTECTED after failure, got %s", pos.State)
	}
}

func TestExecuteFatalErrorDoesNotRetry(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	mock.FailNextOrders(1, false)
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	if n := len(mock.Orders()); n != 0 {
		t.Errorf("fatal error must not be retried, got %d orders", n)
	}
	if _, ok := tr.Get("RELIANCE", types.ProductDelivery); !ok {
		t.Error("position must stay tracked after fatal failure")
	}
}

func TestExecuteStalePositionRemovedNotSold(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: false}, false)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	if n := len(mock.Orders()); n != 0 {
		t.Errorf("stale position must not be sold, got %d orders", n)
	}
	if _, ok := tr.Get("RELIANCE", types.ProductDelivery); ok {
		t.Error("stale position should be removed from tracking")
	}
}

func TestExecuteDryRunPlacesNoOrders(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, true)
	e.Execute(context.Background(), exitRequest("RELIANCE", 10, 479.50))

	if n := len(mock.Orders()); n != 0 {
		t.Errorf("dry run must not place orders, got %d", n)
	}
	if _, ok := tr.Get("RELIANCE", types.ProductDelivery); ok {
		t.Error("dry run should still consume the tranche locally")
	}
}

func TestExecutePartialExitKeepsPosition(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())

	pos := trackedPosition("RELIANCE", 10)
	pos.StopLoss.Tranches = []types.ExitTranche{
		{ID: "tr-1", Kind: types.TriggerProfitTarget, TriggerPrice: 530, Fraction: 0.4},
		{ID: "tr-2", Kind: types.TriggerProfitTarget, TriggerPrice: 560, Fraction: 0.3},
		{ID: "tr-3", Kind: types.TriggerStopLoss, TriggerPrice: 480, Fraction: 0.3},
	}
	tr.Upsert(pos)

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	req := exitRequest("RELIANCE", 4, 530)
	req.Kind = types.TriggerProfitTarget
	e.Execute(context.Background(), req)

	got, ok := tr.Get("RELIANCE", types.ProductDelivery)
	if !ok {
		t.Fatal("partial exit must keep the position tracked")
	}
	if math.Abs(got.RemainingQuantity-6) > 1e-9 {
		t.Errorf("expected remaining quantity 6, got %v", got.RemainingQuantity)
	}
	if !got.StopLoss.Tranches[0].Consumed {
		t.Error("executed tranche should be marked consumed")
	}
	if got.StopLoss.Tranches[1].Consumed || got.StopLoss.Tranches[2].Consumed {
		t.Error("other tranches must remain live")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoff(c.retry); got != c.want {
			t.Errorf("backoff(%d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

func TestEnqueueProcessesAsync(t *testing.T) {
	mock := broker.NewMockBroker(testLogger(), broker.WithMockTickSize("RELIANCE", 0.05))
	tr := tracker.New(testLogger())
	tr.Upsert(trackedPosition("RELIANCE", 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestExecutor(t, mock, tr, &fakeHoldings{held: true}, false)
	e.Start(ctx)
	e.Enqueue(exitRequest("RELIANCE", 10, 479.50))
	e.Stop()

	if n := len(mock.Orders()); n != 1 {
		t.Fatalf("expected 1 order via queue, got %d", n)
	}
}

func TestIsTransientClassification(t *testing.T) {
	if !broker.IsTransient(&broker.TransientError{Err: errors.New("timeout")}) {
		t.Error("wrapped transient error should classify as transient")
	}
	if broker.IsTransient(errors.New("insufficient funds")) {
		t.Error("plain error should not classify as transient")
	}
}
