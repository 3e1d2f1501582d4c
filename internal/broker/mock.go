package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"stopguard/internal/types"
)

// MockBroker implements Broker for tests: prices, history and holdings are
// set by the test, orders are recorded instead of sent, and failures can
// be scripted per call.
type MockBroker struct {
	logger *slog.Logger
	mu     sync.RWMutex

	positions  []types.BrokerPosition
	prices     map[string]float64
	history    map[string][]types.DailyBar
	tickSizes  map[string]float64
	orders     []types.OrderRequest
	orderIDSeq atomic.Int64

	failPlaceOrder  int  // fail the next N PlaceOrder calls
	failTransiently bool // scripted failures are transient when true
	failPositions   int  // fail the next N GetPositions calls
}

// MockBrokerOption configures the mock broker
type MockBrokerOption func(*MockBroker)

// WithMockPosition seeds a broker-side holding
func WithMockPosition(p types.BrokerPosition) MockBrokerOption {
	return func(m *MockBroker) {
		m.positions = append(m.positions, p)
	}
}

// WithMockPrice sets a symbol's last-traded price
func WithMockPrice(symbol string, price float64) MockBrokerOption {
	return func(m *MockBroker) {
		m.prices[symbol] = price
	}
}

// WithMockHistory sets a symbol's daily bars
func WithMockHistory(symbol string, bars []types.DailyBar) MockBrokerOption {
	return func(m *MockBroker) {
		m.history[symbol] = bars
	}
}

// WithMockTickSize sets a symbol's tick size
func WithMockTickSize(symbol string, tick float64) MockBrokerOption {
	return func(m *MockBroker) {
		m.tickSizes[symbol] = tick
	}
}

// NewMockBroker creates a mock broker for tests
func NewMockBroker(logger *slog.Logger, opts ...MockBrokerOption) *MockBroker {
	m := &MockBroker{
		logger:    logger,
		prices:    make(map[string]float64),
		history:   make(map[string][]types.DailyBar),
		tickSizes: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetPositions returns the scripted holdings filtered by product
func (m *MockBroker) GetPositions(ctx context.Context, product types.Product) ([]types.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPositions > 0 {
		m.failPositions--
		return nil, &TransientError{Err: fmt.Errorf("scripted position fetch failure")}
	}

	out := make([]types.BrokerPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Product == product {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetPositions replaces the scripted holdings (for reconciliation tests)
func (m *MockBroker) SetPositions(positions []types.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetPrice updates a symbol's last-traded price
func (m *MockBroker) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// GetLastPrices returns the scripted prices for the requested symbols
func (m *MockBroker) GetLastPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := m.prices[s]; ok {
			out[s] = p
		}
	}
	return out, nil
}

// GetHistoricalDaily returns the scripted daily bars
func (m *MockBroker) GetHistoricalDaily(ctx context.Context, symbol string, days int) ([]types.DailyBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := m.history[symbol]
	if len(bars) > days {
		bars = bars[len(bars)-days:]
	}
	out := make([]types.DailyBar, len(bars))
	copy(out, bars)
	return out, nil
}

// FailNextOrders scripts the next n PlaceOrder calls to fail
func (m *MockBroker) FailNextOrders(n int, transient bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPlaceOrder = n
	m.failTransiently = transient
}

// FailNextPositions scripts transient failures for GetPositions
func (m *MockBroker) FailNextPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPositions = n
}

// PlaceOrder records the order and returns a filled result
func (m *MockBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPlaceOrder > 0 {
		m.failPlaceOrder--
		err := fmt.Errorf("scripted failure")
		if m.failTransiently {
			return nil, &TransientError{Err: err}
		}
		return nil, err
	}

	orderID := fmt.Sprintf("MOCK-%d", m.orderIDSeq.Add(1))
	m.orders = append(m.orders, req)

	m.logger.Info("[MOCK] Order executed",
		"order_id", orderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"quantity", req.Quantity,
		"price", req.Price,
		"reason", req.Reason,
	)

	return &types.OrderResult{
		OrderID:   orderID,
		Status:    types.OrderFilled,
		FilledQty: req.Quantity,
	}, nil
}

// GetTickSize returns the scripted tick size or ErrNoTickSize
func (m *MockBroker) GetTickSize(ctx context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tick, ok := m.tickSizes[symbol]; ok {
		return tick, nil
	}
	return 0, types.ErrNoTickSize
}

// Orders returns all recorded orders (for testing)
func (m *MockBroker) Orders() []types.OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.OrderRequest, len(m.orders))
	copy(out, m.orders)
	return out
}

// Close is a no-op for the mock
func (m *MockBroker) Close() error {
	return nil
}

// MockTickStreamer implements TickStreamer for tests with direct injection
type MockTickStreamer struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	ticks   chan types.Tick
	symbols map[string]bool
	closed  bool
}

// NewMockTickStreamer creates a mock tick streamer
func NewMockTickStreamer(logger *slog.Logger) *MockTickStreamer {
	return &MockTickStreamer{
		logger:  logger,
		ticks:   make(chan types.Tick, 1000),
		symbols: make(map[string]bool),
	}
}

// Subscribe marks a symbol as streamed
func (m *MockTickStreamer) Subscribe(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("streamer is closed")
	}
	m.symbols[symbol] = true
	return nil
}

// Unsubscribe drops a symbol
func (m *MockTickStreamer) Unsubscribe(symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.symbols, symbol)
	return nil
}

// Ticks returns the injectable tick channel
func (m *MockTickStreamer) Ticks() <-chan types.Tick {
	return m.ticks
}

// InjectTick pushes a tick as if it arrived from the stream
func (m *MockTickStreamer) InjectTick(symbol string, price float64) {
	m.ticks <- types.Tick{
		Symbol:    symbol,
		Price:     price,
		Volume:    1,
		Timestamp: time.Now(),
	}
}

// Close shuts the tick channel
func (m *MockTickStreamer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ticks)
	return nil
}
