package types

import (
	"time"
)

// Product distinguishes intraday from delivery holdings
type Product string

const (
	ProductIntraday Product = "INTRADAY"
	ProductDelivery Product = "DELIVERY"
)

// Side represents the direction of a position or order
type Side string

const (
	SideLong Side = "LONG"
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// StrategyKind selects the stop-loss algorithm for a position
type StrategyKind string

const (
	StrategyATR  StrategyKind = "atr"
	StrategyPSAR StrategyKind = "psar"
)

// Volatility categorizes a symbol by ATR as a percentage of price
type Volatility string

const (
	VolLow    Volatility = "LOW"
	VolMedium Volatility = "MEDIUM"
	VolHigh   Volatility = "HIGH"
)

// PositionState tracks where a position is in the watchdog lifecycle
type PositionState string

const (
	StateInitializing PositionState = "INITIALIZING"
	StateProtected    PositionState = "PROTECTED"
	StateExitPending  PositionState = "EXIT_PENDING"
	StateClosed       PositionState = "CLOSED"
)

// TriggerKind distinguishes why an exit tranche fires
type TriggerKind string

const (
	TriggerStopLoss     TriggerKind = "STOP_LOSS"
	TriggerProfitTarget TriggerKind = "PROFIT_TARGET"
)

// OrderStatus is the broker-reported state of a placed order
type OrderStatus string

const (
	OrderAccepted OrderStatus = "ACCEPTED"
	OrderRejected OrderStatus = "REJECTED"
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIAL"
)

// ExitTranche is a planned partial exit for a fraction of the original quantity
type ExitTranche struct {
	ID           string      `json:"id"`
	Kind         TriggerKind `json:"kind"`
	TriggerPrice float64     `json:"trigger_price"`
	Fraction     float64     `json:"fraction"` // of original entry quantity
	Consumed     bool        `json:"consumed"`
	PendingOrder bool        `json:"pending_order"`
}

// StopLossState holds the mutable risk state attached to a position.
// Stop is monotonically non-decreasing for a long position; the tracker
// enforces this under its lock.
type StopLossState struct {
	Strategy     StrategyKind `json:"strategy"`
	Ready        bool         `json:"ready"`
	Stop         float64      `json:"stop"`
	PositionHigh float64      `json:"position_high"`

	// ATR strategy fields
	ATR        float64    `json:"atr,omitempty"`
	Volatility Volatility `json:"volatility,omitempty"`
	Multiplier float64    `json:"multiplier,omitempty"`

	// PSAR strategy fields
	SAR          float64 `json:"sar,omitempty"`
	ExtremePoint float64 `json:"extreme_point,omitempty"`
	AccelFactor  float64 `json:"accel_factor,omitempty"`
	TrendUp      bool    `json:"trend_up,omitempty"`
	CandlesSeen  int     `json:"candles_seen,omitempty"`

	Tranches []ExitTranche `json:"tranches,omitempty"`
}

// Position is one monitored holding. RemainingQuantity is decremented on
// confirmed exits while tranche fractions always reference Quantity (the
// original entry quantity).
type Position struct {
	Symbol            string         `json:"symbol"`
	Exchange          string         `json:"exchange"`
	Product           Product        `json:"product"`
	Side              Side           `json:"side"`
	Quantity          float64        `json:"quantity"`
	RemainingQuantity float64        `json:"remaining_quantity"`
	EntryPrice        float64        `json:"entry_price"`
	Investment        float64        `json:"investment"`
	InstrumentID      string         `json:"instrument_id"`
	State             PositionState  `json:"state"`
	StopLoss          *StopLossState `json:"stop_loss,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Key identifies a position within the tracker
func (p *Position) Key() string {
	return PositionKey(p.Symbol, p.Product)
}

// PositionKey builds the tracker key for a (symbol, product) pair
func PositionKey(symbol string, product Product) string {
	return symbol + "|" + string(product)
}

// Tick is a single trade print from the market data stream
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is an OHLC bar built from a fixed number of ticks
type Candle struct {
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	TickCount int       `json:"tick_count"`
	StartedAt time.Time `json:"started_at"`
	SealedAt  time.Time `json:"sealed_at"`
}

// DailyBar is one day of OHLC history from the broker adapter
type DailyBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// BrokerPosition is a holding as reported by the broker, the source of
// truth the reconciler imports from and prunes against
type BrokerPosition struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange"`
	Product      Product `json:"product"`
	Quantity     float64 `json:"quantity"`
	AvgPrice     float64 `json:"avg_price"`
	InstrumentID string  `json:"instrument_id"`
}

// ExitRequest asks the executor to close part of a position
type ExitRequest struct {
	Symbol    string      `json:"symbol"`
	Product   Product     `json:"product"`
	TrancheID string      `json:"tranche_id"`
	Kind      TriggerKind `json:"kind"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"`
	FullExit  bool        `json:"full_exit"` // PSAR flip: close remaining quantity
	Timestamp time.Time   `json:"timestamp"`
}

// OrderRequest is a concrete broker action composed by the executor.
// The idempotency key is (Symbol, TrancheID).
type OrderRequest struct {
	Symbol    string      `json:"symbol"`
	Side      Side        `json:"side"`
	Quantity  float64     `json:"quantity"`
	Price     float64     `json:"price"` // rounded to tick size
	Reason    TriggerKind `json:"reason"`
	TrancheID string      `json:"tranche_id"`
}

// OrderResult is the broker's response to an OrderRequest
type OrderResult struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	Error     string      `json:"error,omitempty"`
}
