// Package exchange defines the Gateway interface the rest of the engine
// codes against, plus the factory that resolves a concrete adapter from
// configuration: a live Bybit adapter, a paper-trading adapter, and an
// in-memory backtest adapter.
package exchange

import (
	"context"
	"fmt"
	"strings"

	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// MarginMode selects isolated or cross margin at the venue.
type MarginMode string

const (
	MarginModeIsolated MarginMode = "isolated"
	MarginModeCross    MarginMode = "cross"
)

// PositionMode selects single-direction or hedge-mode position accounting.
type PositionMode string

const (
	PositionModeSingle PositionMode = "single"
	PositionModeHedged PositionMode = "hedged"
)

// InitParams configures Gateway.Initialize.
type InitParams struct {
	Symbol       string
	Leverage     float64
	MarginMode   MarginMode
	PositionMode PositionMode
}

// BalanceSnapshot is the free/locked balance map returned by GetBalance.
type BalanceSnapshot struct {
	Free   map[string]float64
	Locked map[string]float64
}

// TickerCallback receives each streamed price tick.
type TickerCallback func(price float64)

// Gateway abstracts a trading venue: place/cancel/fetch order, stream
// ticker, fetch funding rate, and set leverage/margin/position mode.
// Implementations: a live venue adapter (bybit), a paper-trading adapter,
// and a backtest in-memory adapter, selected by trading mode.
type Gateway interface {
	// Initialize applies position mode / leverage / margin mode for
	// params.Symbol. No adapter loads markets or discovers symbol precision.
	Initialize(ctx context.Context, params InitParams) error

	GetBalance(ctx context.Context) (BalanceSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error)

	GetFundingRate(ctx context.Context, symbol string) (float64, error)

	// ListenToTickerUpdates streams last-trade prices for symbol, invoking
	// onPrice once per received tick, until ctx is cancelled. Reconnects on transient errors
	// with bounded backoff.
	ListenToTickerUpdates(ctx context.Context, symbol string, onPrice TickerCallback) error

	CloseConnection() error
}

// Config selects and parameterizes a concrete Gateway.
type Config struct {
	Name     string
	Bybit    *BybitConfig
	Paper    *PaperConfig
	Backtest *BacktestConfig
}

// Factory resolves a Gateway from Config by exchange name.
type Factory struct{}

// NewFactory creates a Factory.
func NewFactory() *Factory { return &Factory{} }

// CreateGateway returns the Gateway adapter named by cfg.Name.
func (f *Factory) CreateGateway(cfg Config) (Gateway, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Name))
	switch name {
	case "bybit":
		if cfg.Bybit == nil {
			return nil, fmt.Errorf("exchange: bybit configuration is required")
		}
		return NewBybitGateway(*cfg.Bybit), nil
	case "paper":
		if cfg.Paper == nil {
			return nil, fmt.Errorf("exchange: paper trading configuration is required")
		}
		return NewPaperGateway(*cfg.Paper), nil
	case "backtest":
		if cfg.Backtest == nil {
			return nil, fmt.Errorf("exchange: backtest configuration is required")
		}
		return NewBacktestGateway(*cfg.Backtest), nil
	default:
		return nil, fmt.Errorf("exchange: unsupported gateway %q (supported: bybit, paper, backtest)", cfg.Name)
	}
}
