// Package balance tracks the engine's margin accounting: margin balance,
// reserved margin, long/short position and average entry price, realized
// and unrealized PnL, and accumulated funding fees. The tracker subscribes
// to fill and funding events on the bus rather than being polled.
package balance

import (
	"math"
	"sync"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

const component = "balance"

// Config parameterizes margin accounting. InitialMarginRatio is the margin
// required per unit of notional, the inverse of the position leverage, so
// reservation and release stay symmetric with the validator's
// required-margin formula.
type Config struct {
	InitialMarginRatio     float64
	MaintenanceMarginRatio float64
	FeeRate                float64
}

// FillEvent is the ORDER_FILLED payload the tracker expects on the bus.
type FillEvent struct {
	Order *types.Order
}

// FundingEvent is the FUNDING_FEE_CHARGED payload the tracker expects.
type FundingEvent struct {
	Amount float64
}

// FundingRateEvent is the FUNDING_FEE payload the status tracker publishes
// on each funding probe: the raw venue rate, not yet a cash amount.
type FundingRateEvent struct {
	Symbol string
	Rate   float64
}

// FundingSettledEvent is the FUNDING_FEE_SETTLED payload published once a
// rate has been converted to a cash amount and applied to margin.
type FundingSettledEvent struct {
	Rate   float64
	Amount float64
}

// Tracker owns the engine's running view of margin and position,
// independent of whatever the venue itself reports (see pkg/types.Position,
// which is the polled venue snapshot used only to seed live-mode startup).
// Not safe for concurrent use without the mutex already embedded in every
// exported method.
type Tracker struct {
	mu  sync.Mutex
	cfg Config
	bus *eventbus.Bus

	marginBalance  float64
	reservedMargin float64
	totalFees      float64

	longPosition  float64
	shortPosition float64
	longAvgPrice  float64
	shortAvgPrice float64
	unrealizedPnL float64
	realizedPnL   float64
	fundingFees   float64
	lastMark      float64
}

// New creates a Tracker seeded with initialMargin and subscribes it to the
// fill and funding events on bus.
func New(cfg Config, initialMargin float64, bus *eventbus.Bus) *Tracker {
	t := &Tracker{cfg: cfg, bus: bus, marginBalance: initialMargin}
	if bus != nil {
		bus.Subscribe(eventbus.OrderFilled, func(payload any) {
			if evt, ok := payload.(FillEvent); ok {
				t.ApplyFill(evt.Order)
			}
		})
		bus.Subscribe(eventbus.FundingFeeCharged, func(payload any) {
			if evt, ok := payload.(FundingEvent); ok {
				t.ApplyFunding(evt.Amount)
			}
		})
		bus.Subscribe(eventbus.FundingFee, func(payload any) {
			if evt, ok := payload.(FundingRateEvent); ok {
				t.onFundingRate(evt)
			}
		})
		bus.Subscribe(eventbus.OrderCancelled, func(payload any) {
			if o, ok := payload.(*types.Order); ok {
				t.ReleaseMargin(o.Remaining, o.Price)
			}
		})
	}
	return t
}

// onFundingRate converts a venue funding rate into a cash amount against
// the net position at the last observed mark price, charges it, and
// publishes the settled event. A positive rate debits a net long and
// credits a net short.
func (t *Tracker) onFundingRate(evt FundingRateEvent) {
	t.mu.Lock()
	net := t.longPosition - t.shortPosition
	mark := t.lastMark
	t.mu.Unlock()

	if net == 0 || mark == 0 {
		return
	}
	amount := evt.Rate * net * mark
	if amount == 0 {
		return
	}
	t.bus.Publish(eventbus.FundingFeeCharged, FundingEvent{Amount: amount})
	t.bus.Publish(eventbus.FundingFeeSettled, FundingSettledEvent{Rate: evt.Rate, Amount: amount})
}

// SeedFromLive overwrites the tracker's position view with a venue-reported
// snapshot, used once at live-mode startup.
func (t *Tracker) SeedFromLive(marginBalance float64, pos *types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marginBalance = marginBalance
	if pos == nil {
		return
	}
	switch pos.Side {
	case types.PositionLong:
		t.longPosition = pos.Contracts
		t.longAvgPrice = pos.EntryPrice
	case types.PositionShort:
		t.shortPosition = pos.Contracts
		t.shortAvgPrice = pos.EntryPrice
	}
}

func (t *Tracker) requiredMargin(quantity, price float64) float64 {
	return quantity * price * t.cfg.InitialMarginRatio
}

// AvailableMargin returns margin not already reserved for open orders.
func (t *Tracker) AvailableMargin() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marginBalance - t.reservedMargin
}

// TotalMarginBalance returns margin balance plus unrealized PnL.
func (t *Tracker) TotalMarginBalance() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marginBalance + t.unrealizedPnL
}

// MarginRatio returns total margin balance over total position notional at
// currentPrice, or +Inf when there is no open position.
func (t *Tracker) MarginRatio(currentPrice float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	totalValue := (t.longPosition + t.shortPosition) * currentPrice
	if totalValue == 0 {
		return math.Inf(1)
	}
	return (t.marginBalance + t.unrealizedPnL) / totalValue
}

// CheckMarginRequirement reports whether the margin ratio at currentPrice
// still meets the maintenance margin ratio.
func (t *Tracker) CheckMarginRequirement(currentPrice float64) bool {
	return t.MarginRatio(currentPrice) >= t.cfg.MaintenanceMarginRatio
}

// MaintenanceMargin returns the minimum margin the current position
// requires at currentPrice.
func (t *Tracker) MaintenanceMargin(currentPrice float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return (t.longPosition + t.shortPosition) * currentPrice * t.cfg.MaintenanceMarginRatio
}

// UpdateUnrealizedPnL recomputes unrealized PnL against currentPrice; call
// on every mark-price tick.
func (t *Tracker) UpdateUnrealizedPnL(currentPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastMark = currentPrice
	var longPnL, shortPnL float64
	if t.longPosition > 0 {
		longPnL = t.longPosition * (currentPrice - t.longAvgPrice)
	}
	if t.shortPosition > 0 {
		shortPnL = t.shortPosition * (t.shortAvgPrice - currentPrice)
	}
	t.unrealizedPnL = longPnL + shortPnL
}

// ReserveMargin reserves the margin a new order at quantity/price will
// require, erroring if available margin can't cover it.
func (t *Tracker) ReserveMargin(quantity, price float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	required := t.requiredMargin(quantity, price)
	if t.marginBalance-t.reservedMargin < required {
		return boterrors.New(boterrors.CategoryOrder, component, "ReserveMargin",
			"insufficient margin balance").
			WithContext("required", required).
			WithContext("available", t.marginBalance-t.reservedMargin).
			WithRetryable(false)
	}
	t.reservedMargin += required
	return nil
}

// ReleaseMargin returns the reservation for an order that will never fill
// (cancelled, expired, rejected), clamped so reserved margin never goes
// negative.
func (t *Tracker) ReleaseMargin(quantity, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reservedMargin -= t.requiredMargin(quantity, price)
	if t.reservedMargin < 0 {
		t.reservedMargin = 0
	}
}

// ApplyFill updates position, PnL, margin balance, and reserved margin for
// a filled order. The fee is charged on the filled notional, whether the
// fill opens or closes is inferred from current position size (a BUY_OPEN
// against a live short reduces the short), and the margin release is
// computed per-fill on order.Filled and order.AvgPrice, symmetric with the
// reservation made at placement time.
func (t *Tracker) ApplyFill(order *types.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fee := order.Filled * order.AvgPrice * t.cfg.FeeRate
	t.totalFees += fee

	required := t.requiredMargin(order.Filled, order.AvgPrice)

	switch order.Side {
	case types.SideBuyOpen:
		if t.shortPosition > 0 {
			t.closePosition(t.shortPosition, t.shortAvgPrice, order.Filled, order.AvgPrice, false)
		} else {
			t.openPosition(true, order.Filled, order.AvgPrice)
		}
	case types.SideSellClose:
		t.closePosition(t.longPosition, t.longAvgPrice, order.Filled, order.AvgPrice, true)
	case types.SideSellOpen:
		if t.longPosition > 0 {
			t.closePosition(t.longPosition, t.longAvgPrice, order.Filled, order.AvgPrice, true)
		} else {
			t.openPosition(false, order.Filled, order.AvgPrice)
		}
	case types.SideBuyClose:
		t.closePosition(t.shortPosition, t.shortAvgPrice, order.Filled, order.AvgPrice, false)
	}

	t.reservedMargin -= required
	if t.reservedMargin < 0 {
		t.reservedMargin = 0
	}
	t.marginBalance -= fee
}

func (t *Tracker) openPosition(long bool, filled, price float64) {
	if long {
		newPosition := t.longPosition + filled
		newCost := t.longPosition*t.longAvgPrice + filled*price
		t.longPosition = newPosition
		if newPosition > 0 {
			t.longAvgPrice = newCost / newPosition
		}
		return
	}
	newPosition := t.shortPosition + filled
	newCost := t.shortPosition*t.shortAvgPrice + filled*price
	t.shortPosition = newPosition
	if newPosition > 0 {
		t.shortAvgPrice = newCost / newPosition
	}
}

// closePosition reduces a long (isLong=true) or short position by
// min(position, filled) and realizes PnL on the closed quantity only.
func (t *Tracker) closePosition(position, avgPrice, filled, price float64, isLong bool) {
	closeQty := math.Min(position, filled)
	var pnl float64
	if isLong {
		pnl = closeQty * (price - avgPrice)
		t.longPosition -= closeQty
		if t.longPosition <= 0 {
			t.longPosition = 0
			t.longAvgPrice = 0
		}
	} else {
		pnl = closeQty * (avgPrice - price)
		t.shortPosition -= closeQty
		if t.shortPosition <= 0 {
			t.shortPosition = 0
			t.shortAvgPrice = 0
		}
	}
	t.realizedPnL += pnl
	t.marginBalance += pnl
}

// ApplyFunding deducts a funding fee payment from margin balance.
func (t *Tracker) ApplyFunding(amount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fundingFees += amount
	t.marginBalance -= amount
}

// Snapshot is a point-in-time read of the tracker's state, used by the
// interactive command surface and metrics sampling.
type Snapshot struct {
	MarginBalance  float64
	ReservedMargin float64
	LongPosition   float64
	ShortPosition  float64
	LongAvgPrice   float64
	ShortAvgPrice  float64
	UnrealizedPnL  float64
	RealizedPnL    float64
	TotalFees      float64
	FundingFees    float64
}

// Snapshot returns a consistent read of every tracked field.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		MarginBalance:  t.marginBalance,
		ReservedMargin: t.reservedMargin,
		LongPosition:   t.longPosition,
		ShortPosition:  t.shortPosition,
		LongAvgPrice:   t.longAvgPrice,
		ShortAvgPrice:  t.shortAvgPrice,
		UnrealizedPnL:  t.unrealizedPnL,
		RealizedPnL:    t.realizedPnL,
		TotalFees:      t.totalFees,
		FundingFees:    t.fundingFees,
	}
}
