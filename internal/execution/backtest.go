package execution

import (
	"context"

	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// BacktestStrategy thin-wraps a BacktestGateway: no retry, no slippage, no
// polling, since the gateway already synthesizes deterministic fills at
// submission/Advance time. It exists so the Order Manager codes against
// the same Strategy interface regardless of trading mode.
type BacktestStrategy struct {
	gw *exchange.BacktestGateway
}

// NewBacktestStrategy creates a BacktestStrategy over gw.
func NewBacktestStrategy(gw *exchange.BacktestGateway) *BacktestStrategy {
	return &BacktestStrategy{gw: gw}
}

func (s *BacktestStrategy) ExecuteMarketOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error) {
	return s.gw.PlaceOrder(ctx, types.Order{Symbol: symbol, Side: side, Type: types.OrderTypeMarket, Contracts: quantity, Price: price})
}

func (s *BacktestStrategy) ExecuteLimitOrder(ctx context.Context, side types.Side, symbol string, quantity, price float64) (*types.Order, error) {
	return s.gw.PlaceOrder(ctx, types.Order{Symbol: symbol, Side: side, Type: types.OrderTypeLimit, Contracts: quantity, Price: price})
}

func (s *BacktestStrategy) GetOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	return s.gw.FetchOrder(ctx, orderID, symbol)
}

func (s *BacktestStrategy) CancelOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	status, err := s.gw.CancelOrder(ctx, orderID, symbol)
	if err != nil {
		return nil, err
	}
	return &types.Order{ID: orderID, Symbol: symbol, Status: status}, nil
}
