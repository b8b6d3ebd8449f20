package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a minimal exchange.Gateway stand-in for exercising
// LiveStrategy's retry/poll/slippage logic without a real venue.
type fakeGateway struct {
	placeFailures int // number of PlaceOrder calls to fail before succeeding
	placeCalls    []types.Order
	placedPrice   float64

	fetchSequence []types.OrderStatus // statuses returned on successive FetchOrder calls
	fetchIdx      int

	cancelFailures int
	cancelCalls    int
}

func (f *fakeGateway) Initialize(ctx context.Context, params exchange.InitParams) error { return nil }
func (f *fakeGateway) GetBalance(ctx context.Context) (exchange.BalanceSnapshot, error) {
	return exchange.BalanceSnapshot{}, nil
}
func (f *fakeGateway) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	return nil, nil
}
func (f *fakeGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	f.placeCalls = append(f.placeCalls, order)
	if len(f.placeCalls) <= f.placeFailures {
		return nil, fmt.Errorf("simulated place failure")
	}
	f.placedPrice = order.Price
	placed := order
	placed.ID = "order-1"
	placed.Status = types.OrderStatusOpen
	return &placed, nil
}

func (f *fakeGateway) FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	status := types.OrderStatusOpen
	if f.fetchIdx < len(f.fetchSequence) {
		status = f.fetchSequence[f.fetchIdx]
	}
	f.fetchIdx++
	return &types.Order{ID: orderID, Symbol: symbol, Status: status}, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error) {
	f.cancelCalls++
	if f.cancelCalls <= f.cancelFailures {
		return types.OrderStatusUnknown, fmt.Errorf("simulated cancel failure")
	}
	return types.OrderStatusCanceled, nil
}

func (f *fakeGateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

func (f *fakeGateway) ListenToTickerUpdates(ctx context.Context, symbol string, onPrice exchange.TickerCallback) error {
	return nil
}

func (f *fakeGateway) CloseConnection() error { return nil }

func testConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Millisecond, MaxSlippage: 0.01, PollInterval: time.Millisecond}
}

func TestExecuteLimitOrder_SucceedsOnFirstAttempt_NoSlippageAdjustment(t *testing.T) {
	gw := &fakeGateway{}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	placed, err := s.ExecuteLimitOrder(context.Background(), types.SideBuyOpen, "BTCUSDT", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, "order-1", placed.ID)
	assert.InDelta(t, 100, gw.placedPrice, 1e-9)
	assert.Len(t, gw.placeCalls, 1)
}

func TestExecuteLimitOrder_RetriesAndAdjustsPriceOnSubsequentAttempts(t *testing.T) {
	gw := &fakeGateway{placeFailures: 2}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	placed, err := s.ExecuteLimitOrder(context.Background(), types.SideBuyOpen, "BTCUSDT", 1, 100)
	require.NoError(t, err)
	require.NotNil(t, placed)
	assert.Len(t, gw.placeCalls, 3)
	// third attempt (attempt index 2): factor = 0.01*2/3
	expected := 100 * (1 + 0.01*2/3)
	assert.InDelta(t, expected, gw.placedPrice, 1e-9)
}

func TestExecuteLimitOrder_SellSideDeflatesPriceOnRetry(t *testing.T) {
	gw := &fakeGateway{placeFailures: 1}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	_, err := s.ExecuteLimitOrder(context.Background(), types.SideSellClose, "BTCUSDT", 1, 100)
	require.NoError(t, err)
	expected := 100 * (1 - 0.01*1/3)
	assert.InDelta(t, expected, gw.placedPrice, 1e-9)
}

func TestExecuteLimitOrder_ExhaustsRetries_ReturnsBotError(t *testing.T) {
	gw := &fakeGateway{placeFailures: 10}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	_, err := s.ExecuteLimitOrder(context.Background(), types.SideBuyOpen, "BTCUSDT", 1, 100)
	require.Error(t, err)
	assert.Len(t, gw.placeCalls, 4) // MaxRetries=3 -> 4 total attempts
}

func TestExecuteMarketOrder_PollsUntilClosed(t *testing.T) {
	gw := &fakeGateway{fetchSequence: []types.OrderStatus{types.OrderStatusOpen, types.OrderStatusOpen, types.OrderStatusClosed}}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	final, err := s.ExecuteMarketOrder(context.Background(), types.SideBuyOpen, "BTCUSDT", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, final.Status)
	assert.Equal(t, 3, gw.fetchIdx)
}

func TestCancelOrder_RetriesOnFailureThenSucceeds(t *testing.T) {
	gw := &fakeGateway{cancelFailures: 2}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	final, err := s.CancelOrder(context.Background(), "order-1", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, final.Status)
	assert.Equal(t, 3, gw.cancelCalls)
}

func TestCancelOrder_ExhaustsRetries_ReturnsBotError(t *testing.T) {
	gw := &fakeGateway{cancelFailures: 10}
	s := NewLiveStrategy(gw, "BTCUSDT", testConfig())

	_, err := s.CancelOrder(context.Background(), "order-1", "BTCUSDT")
	require.Error(t, err)
}

func TestBacktestStrategy_DelegatesDirectlyToGateway(t *testing.T) {
	bg := exchange.NewBacktestGateway(exchange.BacktestConfig{
		Candles: []types.OHLCV{{Open: 100, High: 102, Low: 98, Close: 100}},
	})
	s := NewBacktestStrategy(bg)

	placed, err := s.ExecuteMarketOrder(context.Background(), types.SideBuyOpen, "BTCUSDT", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, placed.Filled)
}
