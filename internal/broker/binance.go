package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"stopguard/internal/types"
)

// dustThreshold filters out residual balances that are not real holdings
const dustThreshold = 1e-8

// BinanceBroker implements the Broker adapter against Binance spot. Spot
// holdings play the role of positions: every non-quote asset with a free
// balance is reported as a long position in asset+quoteAsset.
type BinanceBroker struct {
	client     *binance.Client
	logger     *slog.Logger
	quoteAsset string
}

// NewBinanceBroker creates a Binance-backed broker adapter
func NewBinanceBroker(apiKey, secretKey, quoteAsset string, logger *slog.Logger) *BinanceBroker {
	if quoteAsset == "" {
		quoteAsset = "USDT"
	}
	return &BinanceBroker{
		client:     binance.NewClient(apiKey, secretKey),
		logger:     logger,
		quoteAsset: quoteAsset,
	}
}

// GetPositions maps spot balances to broker positions. Average entry price
// comes from the volume-weighted recent buy trades; when no trade history
// is available the last price stands in so the position is still protected.
func (b *BinanceBroker) GetPositions(ctx context.Context, product types.Product) ([]types.BrokerPosition, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("get account: %w", err))
	}

	var positions []types.BrokerPosition
	for _, bal := range account.Balances {
		if bal.Asset == b.quoteAsset {
			continue
		}
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		qty := free + locked
		if qty <= dustThreshold {
			continue
		}

		symbol := bal.Asset + b.quoteAsset
		avgPrice, err := b.averageBuyPrice(ctx, symbol)
		if err != nil {
			b.logger.Warn("[BROKER] No trade history for entry price, using last price",
				"symbol", symbol,
				"error", err,
			)
			prices, perr := b.GetLastPrices(ctx, []string{symbol})
			if perr != nil {
				continue
			}
			avgPrice = prices[symbol]
		}

		positions = append(positions, types.BrokerPosition{
			Symbol:       symbol,
			Exchange:     "BINANCE",
			Product:      product,
			Quantity:     qty,
			AvgPrice:     avgPrice,
			InstrumentID: bal.Asset,
		})
	}

	return positions, nil
}

// averageBuyPrice computes the VWAP of the most recent buy fills
func (b *BinanceBroker) averageBuyPrice(ctx context.Context, symbol string) (float64, error) {
	trades, err := b.client.NewListTradesService().Symbol(symbol).Limit(50).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}

	var qtySum, costSum float64
	for _, t := range trades {
		if !t.IsBuyer {
			continue
		}
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		price, _ := strconv.ParseFloat(t.Price, 64)
		qtySum += qty
		costSum += qty * price
	}
	if qtySum == 0 {
		return 0, fmt.Errorf("no buy trades for %s", symbol)
	}
	return costSum / qtySum, nil
}

// GetLastPrices fetches last-traded prices for all symbols in one call
func (b *BinanceBroker) GetLastPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	prices, err := b.client.NewListPricesService().Symbols(symbols).Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("list prices: %w", err))
	}

	out := make(map[string]float64, len(prices))
	for _, p := range prices {
		v, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			b.logger.Error("[BROKER] Failed to parse price", "symbol", p.Symbol, "error", err)
			continue
		}
		out[p.Symbol] = v
	}
	return out, nil
}

// GetHistoricalDaily returns daily OHLC bars, oldest first
func (b *BinanceBroker) GetHistoricalDaily(ctx context.Context, symbol string, days int) ([]types.DailyBar, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval("1d").
		Limit(days).
		Do(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("get klines for %s: %w", symbol, err))
	}

	bars := make([]types.DailyBar, len(klines))
	for i, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePx, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		bars[i] = types.DailyBar{
			Date:   time.UnixMilli(k.OpenTime),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePx,
			Volume: volume,
		}
	}
	return bars, nil
}

// PlaceOrder submits a limit exit order
func (b *BinanceBroker) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	side := binance.SideTypeSell
	if req.Side == types.SideBuy {
		side = binance.SideTypeBuy
	}

	quantityStr := strconv.FormatFloat(req.Quantity, 'f', 8, 64)
	priceStr := strconv.FormatFloat(req.Price, 'f', 8, 64)

	order, err := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(quantityStr).
		Price(priceStr).
		NewClientOrderID(req.TrancheID).
		Do(ctx)
	if err != nil {
		b.logger.Error("[BROKER] Order failed",
			"symbol", req.Symbol,
			"side", req.Side,
			"tranche_id", req.TrancheID,
			"error", err,
		)
		return nil, classify(err)
	}

	filledQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)

	b.logger.Info("[BROKER] Order placed",
		"order_id", order.OrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"status", order.Status,
	)

	return &types.OrderResult{
		OrderID:   fmt.Sprintf("%d", order.OrderID),
		Status:    mapOrderStatus(order.Status),
		FilledQty: filledQty,
	}, nil
}

func mapOrderStatus(s binance.OrderStatusType) types.OrderStatus {
	switch s {
	case binance.OrderStatusTypeFilled:
		return types.OrderFilled
	case binance.OrderStatusTypePartiallyFilled:
		return types.OrderPartial
	case binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired, binance.OrderStatusTypeCanceled:
		return types.OrderRejected
	default:
		return types.OrderAccepted
	}
}

// GetTickSize reads the PRICE_FILTER tick size from exchange info
func (b *BinanceBroker) GetTickSize(ctx context.Context, symbol string) (float64, error) {
	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("exchange info for %s: %w", symbol, err))
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		if pf := s.PriceFilter(); pf != nil {
			tick, err := strconv.ParseFloat(pf.TickSize, 64)
			if err != nil || tick <= 0 {
				return 0, types.ErrNoTickSize
			}
			return tick, nil
		}
	}
	return 0, types.ErrNoTickSize
}

// Close is a no-op for the REST client
func (b *BinanceBroker) Close() error {
	return nil
}

// classify wraps errors worth retrying in TransientError. Network-level
// failures and Binance rate-limit/internal codes retry; everything else
// (bad symbol, insufficient balance) fails fast.
func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1001, -1003, -1016: // internal error, rate limited, service shutting down
			return &TransientError{Err: err}
		}
		return err
	}
	return &TransientError{Err: err}
}

// BinanceTickStreamer streams aggregated trades over WebSocket with
// per-symbol auto-reconnection
type BinanceTickStreamer struct {
	logger        *slog.Logger
	mu            sync.RWMutex
	ticks         chan types.Tick
	subscriptions map[string]*wsSubscription
	ctx           context.Context
	cancel        context.CancelFunc
	closed        bool
}

// wsSubscription holds the lifecycle channels of one symbol's stream
type wsSubscription struct {
	symbol   string
	stopChan chan struct{}
	done     chan struct{}
}

// NewBinanceTickStreamer creates a tick streamer
func NewBinanceTickStreamer(logger *slog.Logger) *BinanceTickStreamer {
	ctx, cancel := context.WithCancel(context.Background())
	return &BinanceTickStreamer{
		logger:        logger,
		ticks:         make(chan types.Tick, 1000),
		subscriptions: make(map[string]*wsSubscription),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Subscribe starts streaming ticks for a symbol
func (s *BinanceTickStreamer) Subscribe(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("streamer is closed")
	}
	if _, exists := s.subscriptions[symbol]; exists {
		return nil
	}

	sub := &wsSubscription{
		symbol:   symbol,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.subscriptions[symbol] = sub

	go s.runWebSocket(sub)

	s.logger.Info("[BROKER] Subscribed to ticks", "symbol", symbol)
	return nil
}

// runWebSocket manages one symbol's connection with backoff reconnection.
// While disconnected no ticks flow, which the aggregator surfaces as
// staleness; the engine then leans on polled prices.
func (s *BinanceTickStreamer) runWebSocket(sub *wsSubscription) {
	defer close(sub.done)

	symbol := strings.ToLower(sub.symbol)
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-sub.stopChan:
			return
		case <-s.ctx.Done():
			return
		default:
		}

		handler := func(event *binance.WsAggTradeEvent) {
			price, err := strconv.ParseFloat(event.Price, 64)
			if err != nil {
				s.logger.Error("[BROKER] Failed to parse tick price",
					"symbol", sub.symbol,
					"error", err,
				)
				return
			}
			volume, _ := strconv.ParseFloat(event.Quantity, 64)

			tick := types.Tick{
				Symbol:    sub.symbol,
				Price:     price,
				Volume:    volume,
				Timestamp: time.UnixMilli(event.Time),
			}

			select {
			case s.ticks <- tick:
			default:
				s.logger.Warn("[BROKER] Tick channel full, dropping tick",
					"symbol", sub.symbol,
				)
			}
		}

		errHandler := func(err error) {
			s.logger.Error("[BROKER] WebSocket error",
				"symbol", sub.symbol,
				"error", err,
			)
		}

		doneC, stopC, err := binance.WsAggTradeServe(symbol, handler, errHandler)
		if err != nil {
			s.logger.Error("[BROKER] Failed to connect WebSocket",
				"symbol", sub.symbol,
				"error", err,
				"retry_in", backoff,
			)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
				continue
			case <-sub.stopChan:
				return
			case <-s.ctx.Done():
				return
			}
		}

		s.logger.Info("[BROKER] WebSocket connected", "symbol", sub.symbol)
		backoff = time.Second

		select {
		case <-doneC:
			s.logger.Warn("[BROKER] WebSocket disconnected, reconnecting...",
				"symbol", sub.symbol,
			)
		case <-sub.stopChan:
			close(stopC)
			return
		case <-s.ctx.Done():
			close(stopC)
			return
		}
	}
}

// Unsubscribe stops a symbol's tick stream
func (s *BinanceTickStreamer) Unsubscribe(symbol string) error {
	s.mu.Lock()
	sub, exists := s.subscriptions[symbol]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	delete(s.subscriptions, symbol)
	s.mu.Unlock()

	close(sub.stopChan)

	select {
	case <-sub.done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("[BROKER] Timeout waiting for WebSocket to close",
			"symbol", symbol,
		)
	}
	return nil
}

// Ticks returns the shared channel of incoming ticks
func (s *BinanceTickStreamer) Ticks() <-chan types.Tick {
	return s.ticks
}

// Close tears down all subscriptions
func (s *BinanceTickStreamer) Close() error {
	s.cancel()

	s.mu.Lock()
	s.closed = true
	symbols := make([]string, 0, len(s.subscriptions))
	for symbol := range s.subscriptions {
		symbols = append(symbols, symbol)
	}
	s.mu.Unlock()

	for _, symbol := range symbols {
		s.Unsubscribe(symbol)
	}

	close(s.ticks)
	s.logger.Info("[BROKER] Tick streamer closed")
	return nil
}
