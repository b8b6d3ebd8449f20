package exchange

import (
	"context"
	"testing"

	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candles() []types.OHLCV {
	return []types.OHLCV{
		{Open: 100, High: 102, Low: 98, Close: 100},
		{Open: 100, High: 105, Low: 95, Close: 101},
		{Open: 101, High: 103, Low: 90, Close: 92},
	}
}

func TestBacktestGateway_MarketOrderFillsImmediately(t *testing.T) {
	g := NewBacktestGateway(BacktestConfig{Candles: candles(), FeeRate: 0.001})
	ctx := context.Background()

	order := types.Order{Symbol: "BTCUSDT", Side: types.SideBuyOpen, Type: types.OrderTypeMarket, Contracts: 1}
	placed, err := g.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, placed.Status)
	assert.Equal(t, 1.0, placed.Filled)
	assert.InDelta(t, 100, placed.AvgPrice, 1e-9)
}

func TestBacktestGateway_AdvanceFillIsInvisibleUntilFetched(t *testing.T) {
	g := NewBacktestGateway(BacktestConfig{Candles: candles(), FeeRate: 0})
	ctx := context.Background()

	order := types.Order{Symbol: "BTCUSDT", Side: types.SideBuyOpen, Type: types.OrderTypeLimit, Contracts: 1, Price: 96}
	placed, err := g.PlaceOrder(ctx, order)
	require.NoError(t, err)

	_, more := g.Advance() // candle 1: low 95 crosses 96
	require.True(t, more)

	// The caller's copy must still read OPEN; only a fresh fetch observes
	// the fill, mirroring how a real venue's fill is invisible until polled.
	assert.Equal(t, types.OrderStatusOpen, placed.Status)
	fetched, err := g.FetchOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, fetched.Status)
}

func TestBacktestGateway_LimitOrderFillsWhenRangeCrosses(t *testing.T) {
	g := NewBacktestGateway(BacktestConfig{Candles: candles(), FeeRate: 0})
	ctx := context.Background()

	order := types.Order{Symbol: "BTCUSDT", Side: types.SideBuyOpen, Type: types.OrderTypeLimit, Contracts: 1, Price: 93}
	placed, err := g.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, placed.Status)

	_, more := g.Advance() // candle 1: low 95, doesn't cross 93
	require.True(t, more)
	fetched, err := g.FetchOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, fetched.Status)

	_, more = g.Advance() // candle 2: low 90, crosses 93
	require.True(t, more)
	fetched, err = g.FetchOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, fetched.Status)
	assert.InDelta(t, 93, fetched.AvgPrice, 1e-9)
}

func TestBacktestGateway_CancelOrder_MarksCanceled(t *testing.T) {
	g := NewBacktestGateway(BacktestConfig{Candles: candles()})
	ctx := context.Background()

	order := types.Order{Symbol: "BTCUSDT", Side: types.SideBuyOpen, Type: types.OrderTypeLimit, Contracts: 1, Price: 1}
	placed, err := g.PlaceOrder(ctx, order)
	require.NoError(t, err)

	status, err := g.CancelOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCanceled, status)
}

func TestBacktestGateway_Advance_ReturnsFalseAtEndOfSeries(t *testing.T) {
	g := NewBacktestGateway(BacktestConfig{Candles: candles()})
	g.Advance()
	g.Advance()
	_, more := g.Advance()
	assert.False(t, more)
}

func TestPaperGateway_MarketOrderFillsAtLastPrice(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 1000, FeeRate: 0.001})
	ctx := context.Background()
	g.lastPrice = 50

	placed, err := g.PlaceOrder(ctx, types.Order{Side: types.SideBuyOpen, Type: types.OrderTypeMarket, Contracts: 2})
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, placed.Status)
	assert.InDelta(t, 50, placed.AvgPrice, 1e-9)
}

func TestPaperGateway_LimitOrderRestsUntilPriceCrosses(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 1000})
	ctx := context.Background()
	g.lastPrice = 50

	placed, err := g.PlaceOrder(ctx, types.Order{Side: types.SideBuyOpen, Type: types.OrderTypeLimit, Contracts: 2, Price: 49})
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, placed.Status)

	fetched, err := g.FetchOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusOpen, fetched.Status)

	g.mu.Lock()
	g.lastPrice = 48.5
	g.mu.Unlock()

	fetched, err = g.FetchOrder(ctx, placed.ID, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, fetched.Status)
	assert.InDelta(t, 49, fetched.AvgPrice, 1e-9)
}

func TestPaperGateway_GetBalance_ReturnsInitialBalance(t *testing.T) {
	g := NewPaperGateway(PaperConfig{InitialBalance: 500})
	snap, err := g.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 500, snap.Free["USDT"], 1e-9)
}
