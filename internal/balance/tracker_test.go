package balance

import (
	"math"
	"testing"

	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{InitialMarginRatio: 0.1, MaintenanceMarginRatio: 0.05, FeeRate: 0.001}
}

func TestReserveMargin_RejectsWhenInsufficientAvailable(t *testing.T) {
	tr := New(testConfig(), 1, nil)
	err := tr.ReserveMargin(100, 100) // requires 1000, have 1
	assert.Error(t, err)
}

func TestReserveMargin_ReducesAvailableMargin(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	require.NoError(t, tr.ReserveMargin(10, 100)) // requires 100
	assert.InDelta(t, 900, tr.AvailableMargin(), 1e-9)
}

func TestApplyFill_BuyOpen_OpensLongPosition(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	order := &types.Order{Side: types.SideBuyOpen, Filled: 2, AvgPrice: 100}
	tr.ApplyFill(order)

	snap := tr.Snapshot()
	assert.InDelta(t, 2, snap.LongPosition, 1e-9)
	assert.InDelta(t, 100, snap.LongAvgPrice, 1e-9)
}

func TestApplyFill_AveragesEntryPriceAcrossFills(t *testing.T) {
	tr := New(testConfig(), 10000, nil)
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 100})
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 200})

	snap := tr.Snapshot()
	assert.InDelta(t, 2, snap.LongPosition, 1e-9)
	assert.InDelta(t, 150, snap.LongAvgPrice, 1e-9)
}

func TestApplyFill_SellClose_RealizesPnLAndReducesPosition(t *testing.T) {
	tr := New(testConfig(), 10000, nil)
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 2, AvgPrice: 100})
	tr.ApplyFill(&types.Order{Side: types.SideSellClose, Filled: 2, AvgPrice: 110})

	snap := tr.Snapshot()
	assert.InDelta(t, 0, snap.LongPosition, 1e-9)
	assert.InDelta(t, 20, snap.RealizedPnL, 1e-6)
}

func TestApplyFill_RoundTripRealizesSpreadMinusFees(t *testing.T) {
	cfg := Config{InitialMarginRatio: 0.1, MaintenanceMarginRatio: 0.05, FeeRate: 0.0005}
	tr := New(cfg, 1000, nil)

	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 70})
	snap := tr.Snapshot()
	assert.InDelta(t, 1, snap.LongPosition, 1e-9)
	assert.InDelta(t, 70, snap.LongAvgPrice, 1e-9)
	assert.InDelta(t, 0.035, snap.TotalFees, 1e-9)

	tr.ApplyFill(&types.Order{Side: types.SideSellClose, Filled: 1, AvgPrice: 110})
	snap = tr.Snapshot()
	assert.InDelta(t, 40, snap.RealizedPnL, 1e-6)
	assert.InDelta(t, 0, snap.LongPosition, 1e-9)
	assert.InDelta(t, 0, snap.LongAvgPrice, 1e-9)
	assert.InDelta(t, 0.09, snap.TotalFees, 1e-9)

	// Margin balance moved by exactly realized pnl minus fees.
	assert.InDelta(t, 1000+40-0.09, snap.MarginBalance, 1e-6)
}

func TestApplyFill_CloseClampsToAvailablePositionNotFilledAmount(t *testing.T) {
	tr := New(testConfig(), 10000, nil)
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 100})
	// over-filled close request for more than the open position
	tr.ApplyFill(&types.Order{Side: types.SideSellClose, Filled: 5, AvgPrice: 110})

	snap := tr.Snapshot()
	assert.InDelta(t, 0, snap.LongPosition, 1e-9)
	assert.InDelta(t, 10, snap.RealizedPnL, 1e-6) // pnl on clamped qty of 1, not 5
}

func TestApplyFill_DeductsFeeFromMarginBalance(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 100})

	snap := tr.Snapshot()
	assert.InDelta(t, 1000-0.1, snap.MarginBalance, 1e-6)
}

func TestApplyFunding_DeductsFromMarginBalance(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	tr.ApplyFunding(5)
	snap := tr.Snapshot()
	assert.InDelta(t, 995, snap.MarginBalance, 1e-9)
	assert.InDelta(t, 5, snap.FundingFees, 1e-9)
}

func TestMarginRatio_InfinityWhenFlat(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	assert.True(t, math.IsInf(tr.MarginRatio(100), 1))
}

func TestMarginRatio_ReflectsPositionNotional(t *testing.T) {
	tr := New(testConfig(), 1000, nil)
	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 100})
	ratio := tr.MarginRatio(100)
	assert.Greater(t, ratio, 0.0)
	assert.False(t, math.IsInf(ratio, 1))
}

func TestOnFundingRate_ChargesNetLongAtLastMarkAndPublishesSettled(t *testing.T) {
	bus := eventbus.New()
	tr := New(testConfig(), 1000, bus)

	var settled FundingSettledEvent
	gotSettled := false
	bus.Subscribe(eventbus.FundingFeeSettled, func(payload any) {
		settled = payload.(FundingSettledEvent)
		gotSettled = true
	})

	tr.ApplyFill(&types.Order{Side: types.SideBuyOpen, Filled: 2, AvgPrice: 100})
	tr.UpdateUnrealizedPnL(110)

	bus.Publish(eventbus.FundingFee, FundingRateEvent{Symbol: "BTCUSDT", Rate: 0.0001})

	// amount = rate * net * mark = 0.0001 * 2 * 110
	snap := tr.Snapshot()
	assert.InDelta(t, 0.022, snap.FundingFees, 1e-9)
	require.True(t, gotSettled)
	assert.InDelta(t, 0.022, settled.Amount, 1e-9)
	assert.InDelta(t, 0.0001, settled.Rate, 1e-12)
}

func TestOnFundingRate_NoPositionOrNoMark_IsANoOp(t *testing.T) {
	bus := eventbus.New()
	tr := New(testConfig(), 1000, bus)

	bus.Publish(eventbus.FundingFee, FundingRateEvent{Symbol: "BTCUSDT", Rate: 0.01})
	snap := tr.Snapshot()
	assert.InDelta(t, 0, snap.FundingFees, 1e-12)
}

func TestNew_SubscribesToEventBus(t *testing.T) {
	bus := eventbus.New()
	tr := New(testConfig(), 1000, bus)

	bus.Publish(eventbus.OrderFilled, FillEvent{Order: &types.Order{Side: types.SideBuyOpen, Filled: 1, AvgPrice: 100}})
	snap := tr.Snapshot()
	assert.InDelta(t, 1, snap.LongPosition, 1e-9)

	bus.Publish(eventbus.FundingFeeCharged, FundingEvent{Amount: 2})
	snap = tr.Snapshot()
	assert.InDelta(t, 2, snap.FundingFees, 1e-9)
}
