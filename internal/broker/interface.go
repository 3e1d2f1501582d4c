package broker

import (
	"context"
	"errors"

	"stopguard/internal/types"
)

// Broker is the market-data and order adapter the watchdog drives. All
// calls are request/response; streaming ticks live on TickStreamer.
type Broker interface {
	// GetPositions returns current holdings for the product scope
	GetPositions(ctx context.Context, product types.Product) ([]types.BrokerPosition, error)

	// GetLastPrices fetches last-traded prices for many symbols in one call
	GetLastPrices(ctx context.Context, symbols []string) (map[string]float64, error)

	// GetHistoricalDaily returns up to days of daily OHLC bars, oldest first
	GetHistoricalDaily(ctx context.Context, symbol string, days int) ([]types.DailyBar, error)

	// PlaceOrder submits an exit order. Transient failures are returned as
	// errors satisfying IsTransient; the executor retries those.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// GetTickSize returns the instrument's minimum price increment
	GetTickSize(ctx context.Context, symbol string) (float64, error)

	// Close releases adapter resources
	Close() error
}

// TickStreamer delivers live trade prints for subscribed symbols
type TickStreamer interface {
	// Subscribe starts streaming ticks for a symbol
	Subscribe(ctx context.Context, symbol string) error

	// Unsubscribe stops streaming ticks for a symbol
	Unsubscribe(symbol string) error

	// Ticks returns the shared channel of incoming ticks
	Ticks() <-chan types.Tick

	// Close tears down all subscriptions
	Close() error
}

// TransientError marks a broker failure worth retrying (network errors,
// rate limits, 5xx-equivalents)
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient broker error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried with backoff
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
