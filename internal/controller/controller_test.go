package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/execution"
	"github.com/ducminhle1904/perp-grid-bot/internal/gridmgr"
	"github.com/ducminhle1904/perp-grid-bot/internal/orderbook"
	"github.com/ducminhle1904/perp-grid-bot/internal/ordermanager"
	"github.com/ducminhle1904/perp-grid-bot/internal/statustracker"
	"github.com/ducminhle1904/perp-grid-bot/internal/validator"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

type rig struct {
	ctrl *Controller
	gw   *exchange.BacktestGateway
	bus  *eventbus.Bus
	book *orderbook.Book
	bal  *balance.Tracker
}

// newBacktestRig wires the full component graph around an in-memory
// backtest gateway, in the same construction order as cmd/gridbot (balance
// subscribes to fills before the order manager).
func newBacktestRig(t *testing.T, candles []types.OHLCV, ctrlCfg Config) *rig {
	t.Helper()

	gridCfg := gridmgr.Config{
		ReversionPrice: 100,
		GridRatio:      0.1,
		NumGrids:       5,
		SpacingType:    gridmgr.Arithmetic,
		StrategyType:   gridmgr.HedgedGrid,
		Leverage:       5,
		GridValue:      100,
	}
	grid, err := gridmgr.NewManager(gridCfg)
	require.NoError(t, err)

	gw := exchange.NewBacktestGateway(exchange.BacktestConfig{Candles: candles, FeeRate: 0.0005})
	gw.SeedBalance(10000)

	bus := eventbus.New()
	book := orderbook.New()
	bal := balance.New(balance.Config{
		InitialMarginRatio:     1 / gridCfg.Leverage,
		MaintenanceMarginRatio: 0.005,
		FeeRate:                0.0005,
	}, 10000, bus)
	v := validator.New(validator.DefaultConfig())
	strategy := execution.NewBacktestStrategy(gw)

	om := ordermanager.New(ordermanager.Config{Symbol: "TESTUSDT", MaintenanceMarginRatio: 0.005}, grid, book, bal, v, strategy, bus, nil)
	tr := statustracker.New(statustracker.Config{
		Symbol:               "TESTUSDT",
		PollingInterval:      time.Hour,
		FundingCheckInterval: time.Hour,
	}, gw, book, bus, nil)

	ctrl := New(ctrlCfg, gw, om, bal, tr, bus, nil, nil)
	return &rig{ctrl: ctrl, gw: gw, bus: bus, book: book, bal: bal}
}

// quiet is a candle that neither crosses any lattice level nor triggers
// TP/SL at the given close.
func quiet(close float64) types.OHLCV {
	return types.OHLCV{Open: close, High: close + 0.2, Low: close - 0.2, Close: close}
}

func TestRun_Backtest_SeedsGridOnReversionCrossing(t *testing.T) {
	// Candle 0 is the starting cursor; candle 1 closes below the reversion
	// price and triggers seeding; candle 2 ends the series.
	candles := []types.OHLCV{quiet(100.5), quiet(95), quiet(95.5)}
	r := newBacktestRig(t, candles, Config{Symbol: "TESTUSDT", QuoteCurrency: "USDT", ReversionPrice: 100})

	err := r.ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, r.ctrl.State())

	// Lattice: 59.049, 73.38, 87.71, 102.05, 116.38. At price 95 that is 3
	// BUY_OPEN limits below and 2 SELL_CLOSE limits above, all still open,
	// plus the initial market purchase already closed.
	open := r.book.AllOpen()
	assert.Len(t, open, 5)

	snap := r.bal.Snapshot()
	// Initial purchase: two levels above 95 -> 200 notional at 95.
	assert.InDelta(t, 200.0/95, snap.LongPosition, 1e-9)
}

func TestRun_Backtest_FillDrivesPairedTransition(t *testing.T) {
	// Candle 2 trades through the 102.05 level, filling its SELL_CLOSE.
	candles := []types.OHLCV{
		quiet(100.5),
		quiet(95),
		{Open: 101, High: 103, Low: 101.5, Close: 102.5},
	}
	r := newBacktestRig(t, candles, Config{Symbol: "TESTUSDT", QuoteCurrency: "USDT", ReversionPrice: 100})

	var filled []*types.Order
	r.bus.Subscribe(eventbus.OrderFilled, func(payload any) {
		if evt, ok := payload.(balance.FillEvent); ok {
			filled = append(filled, evt.Order)
		}
	})

	err := r.ctrl.Run(context.Background())
	require.NoError(t, err)

	var sellCloseFilled bool
	for _, o := range filled {
		if o.Side == types.SideSellClose && o.Status == types.OrderStatusClosed {
			sellCloseFilled = true
			assert.InDelta(t, 102.048, o.AvgPrice, 1e-2)
		}
	}
	assert.True(t, sellCloseFilled, "the sell close resting at the level above should have filled")

	// The harvest realizes the spread between 95 and ~102.
	snap := r.bal.Snapshot()
	assert.Greater(t, snap.RealizedPnL, 0.0)
}

func TestRun_Backtest_TakeProfitStopsAndRestartResumesWithoutDuplicates(t *testing.T) {
	candles := []types.OHLCV{
		quiet(100.5),
		quiet(95),   // seeds
		quiet(110),  // TP hit -> STOP_BOT
		quiet(99),   // after restart: no re-seed, no crossing
		quiet(99.3), // exhausts
	}
	r := newBacktestRig(t, candles, Config{
		Symbol:          "TESTUSDT",
		QuoteCurrency:   "USDT",
		ReversionPrice:  100,
		TakeProfitPrice: 108,
	})

	runDone := make(chan error, 1)
	go func() { runDone <- r.ctrl.Run(context.Background()) }()

	require.Eventually(t, func() bool { return r.ctrl.State() == StateStopped }, 2*time.Second, time.Millisecond)
	openAfterStop := len(r.book.AllOpen())

	r.bus.Publish(eventbus.StartBot, "operator restart")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not finish after restart")
	}

	// The in-memory grid and order book survive the restart; without a new
	// ticker crossing no additional orders appear.
	assert.Equal(t, openAfterStop, len(r.book.AllOpen()))
	assert.Equal(t, StateStopped, r.ctrl.State())
}

func TestOnTick_MarginCallPublishedOncePerBreachEpisode(t *testing.T) {
	candles := []types.OHLCV{quiet(100)}
	r := newBacktestRig(t, candles, Config{Symbol: "TESTUSDT", QuoteCurrency: "USDT"})

	var calls []MarginCallEvent
	r.bus.Subscribe(eventbus.MarginCall, func(payload any) {
		if evt, ok := payload.(MarginCallEvent); ok {
			calls = append(calls, evt)
		}
	})

	// A position far larger than margin supports: ratio well below
	// maintenance at any nearby price.
	r.bal.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 5000, AvgPrice: 100})

	r.ctrl.mu.Lock()
	r.ctrl.state = StateRunning
	r.ctrl.mu.Unlock()

	r.ctrl.onTick(context.Background(), 50)
	r.ctrl.onTick(context.Background(), 49)

	require.Len(t, calls, 1)
	assert.Greater(t, calls[0].RequiredMargin, calls[0].CurrentMargin)
}

func TestOnFundingRate_AboveThresholdPublishesMarginRisk(t *testing.T) {
	candles := []types.OHLCV{quiet(100)}
	r := newBacktestRig(t, candles, Config{Symbol: "TESTUSDT", QuoteCurrency: "USDT", FundingRateThreshold: 0.001})

	var risks []*boterrors.BotError
	r.bus.Subscribe(eventbus.MarginRisk, func(payload any) {
		if err, ok := payload.(*boterrors.BotError); ok {
			risks = append(risks, err)
		}
	})

	r.bus.Publish(eventbus.FundingFee, balance.FundingRateEvent{Symbol: "TESTUSDT", Rate: 0.0005})
	assert.Empty(t, risks)

	r.bus.Publish(eventbus.FundingFee, balance.FundingRateEvent{Symbol: "TESTUSDT", Rate: 0.002})
	require.Len(t, risks, 1)
	assert.Equal(t, boterrors.CategoryPosition, risks[0].Category)
}
