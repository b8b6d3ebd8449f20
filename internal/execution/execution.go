// Package execution is the typed order-submission layer over the Gateway:
// the live variant retries with linear backoff, adjusts price for slippage
// on each retry, and polls market orders to completion; the backtest
// variant delegates to the in-memory gateway, which fixes order status at
// submission time.
package execution

import (
	"context"
	"time"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

const component = "execution"

// Strategy is the typed wrapper the Order Manager submits orders through.
type Strategy interface {
	ExecuteMarketOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error)
	ExecuteLimitOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error)
	GetOrder(ctx context.Context, orderID, symbol string) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (*types.Order, error)
}

// Config parameterizes retry/backoff and slippage adjustment.
type Config struct {
	MaxRetries   int
	RetryDelay   time.Duration // linear backoff unit
	MaxSlippage  float64
	PollInterval time.Duration // market-order poll-until-closed interval
}

// DefaultConfig returns the stock retry settings: 5 retries with linear
// backoff, 0.5s market-order polling.
func DefaultConfig() Config {
	return Config{MaxRetries: 5, RetryDelay: time.Second, MaxSlippage: 0.001, PollInterval: 500 * time.Millisecond}
}

// LiveStrategy forwards to the Gateway, retrying with linear backoff and
// polling market orders to completion.
type LiveStrategy struct {
	gw     exchange.Gateway
	symbol string
	cfg    Config
}

// NewLiveStrategy creates a LiveStrategy. Leverage and margin mode must
// already have been applied via gw.Initialize before the first order.
func NewLiveStrategy(gw exchange.Gateway, symbol string, cfg Config) *LiveStrategy {
	return &LiveStrategy{gw: gw, symbol: symbol, cfg: cfg}
}

// adjustPrice inflates a buy price or deflates a sell price by
// MaxSlippage*attempt/MaxRetries so retries chase the market instead of
// resting behind it.
func (s *LiveStrategy) adjustPrice(side types.Side, price float64, attempt int) float64 {
	if attempt == 0 || s.cfg.MaxRetries == 0 {
		return price
	}
	factor := s.cfg.MaxSlippage * float64(attempt) / float64(s.cfg.MaxRetries)
	if side.IsBuy() {
		return price * (1 + factor)
	}
	return price * (1 - factor)
}

func (s *LiveStrategy) retryPlace(ctx context.Context, order types.Order) (*types.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		attemptOrder := order
		attemptOrder.Price = s.adjustPrice(order.Side, order.Price, attempt)

		placed, err := s.gw.PlaceOrder(ctx, attemptOrder)
		if err == nil {
			return placed, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return nil, boterrors.Wrap(lastErr, boterrors.CategoryOrder, component, "retryPlace").
		WithContext("side", order.Side).WithContext("symbol", order.Symbol).WithContext("qty", order.Contracts)
}

// ExecuteMarketOrder submits a market order and polls fetch_order every
// PollInterval until the venue reports CLOSED.
func (s *LiveStrategy) ExecuteMarketOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error) {
	placed, err := s.retryPlace(ctx, types.Order{Symbol: symbol, Side: side, Type: types.OrderTypeMarket, Contracts: quantity, Price: price})
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		current, err := s.gw.FetchOrder(ctx, placed.ID, symbol)
		if err != nil {
			return nil, boterrors.NewDataFetchError(component, "ExecuteMarketOrder", err)
		}
		if current.Status == types.OrderStatusClosed {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExecuteLimitOrder submits a limit order; fill status is discovered by
// the status tracker's poll loop rather than by blocking here.
func (s *LiveStrategy) ExecuteLimitOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error) {
	return s.retryPlace(ctx, types.Order{Symbol: symbol, Side: side, Type: types.OrderTypeLimit, Contracts: quantity, Price: price})
}

func (s *LiveStrategy) GetOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	order, err := s.gw.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		return nil, boterrors.NewDataFetchError(component, "GetOrder", err)
	}
	return order, nil
}

// CancelOrder retries cancellation up to MaxRetries and returns the final
// venue status. Every gateway error is retried alike, including one for an
// order the venue no longer knows; after the last attempt it is returned as
// a cancellation error.
func (s *LiveStrategy) CancelOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		status, err := s.gw.CancelOrder(ctx, orderID, symbol)
		if err == nil {
			return &types.Order{ID: orderID, Symbol: symbol, Status: status}, nil
		}
		lastErr = err
		if attempt == s.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.RetryDelay * time.Duration(attempt+1)):
		}
	}
	return nil, boterrors.NewCancellationError(component, "CancelOrder", lastErr)
}
