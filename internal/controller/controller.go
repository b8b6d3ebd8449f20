// Package controller implements the top-level strategy state machine: it
// wires a ticker (or backtest replay) source to grid seeding, the
// take-profit/stop-loss check, margin health monitoring, and STOP_BOT/
// START_BOT restart handling.
package controller

import (
	"context"
	"sync"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/botlog"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/ordermanager"
	"github.com/ducminhle1904/perp-grid-bot/internal/statustracker"
)

// State is one of the three observable states of the Strategy Controller.
type State string

const (
	StateInitial State = "INITIAL"
	StateRunning State = "RUNNING"
	StateStopped State = "STOPPED"
)

// Metrics receives a per-tick sample; cmd/gridbot wires internal/monitoring
// in, nil is accepted for tests and for minimal deployments.
type Metrics interface {
	RecordSample(accountValue, price, marginRatio float64)
}

// Config parameterizes the controller. TakeProfitPrice and StopLossPrice
// are optional (zero disables); when set they bound the price at which the
// controller stops the bot once the grid has been seeded.
// FundingRateThreshold (zero disables) arms the funding de-risk hook: a
// probed rate at or above it raises a MARGIN_RISK event for the operator.
type Config struct {
	Symbol               string
	QuoteCurrency        string
	ReversionPrice       float64
	TakeProfitPrice      float64
	StopLossPrice        float64
	FundingRateThreshold float64
	Leverage             float64
	MarginMode           exchange.MarginMode
	PositionMode         exchange.PositionMode
}

// MarginCallEvent is the MARGIN_CALL payload published when the margin
// ratio falls below maintenance while the grid is live.
type MarginCallEvent struct {
	RequiredMargin float64
	CurrentMargin  float64
}

// Controller is the Strategy Controller (C10).
type Controller struct {
	cfg     Config
	gw      exchange.Gateway
	orderMg *ordermanager.Manager
	bal     *balance.Tracker
	tracker *statustracker.Tracker
	bus     *eventbus.Bus
	log     *botlog.Logger
	metrics Metrics

	mu            sync.Mutex
	state         State
	seeded        bool
	inMarginCall  bool
	runCancel     context.CancelFunc
	restartSignal chan struct{}
}

// New creates a Controller and subscribes it to STOP_BOT/START_BOT.
func New(cfg Config, gw exchange.Gateway, orderMgr *ordermanager.Manager, bal *balance.Tracker, tracker *statustracker.Tracker, bus *eventbus.Bus, log *botlog.Logger, metrics Metrics) *Controller {
	c := &Controller{
		cfg:           cfg,
		gw:            gw,
		orderMg:       orderMgr,
		bal:           bal,
		tracker:       tracker,
		bus:           bus,
		log:           log,
		metrics:       metrics,
		state:         StateInitial,
		restartSignal: make(chan struct{}, 1),
	}
	bus.Subscribe(eventbus.StopBot, func(payload any) {
		reason, _ := payload.(string)
		c.Stop(reason)
	})
	bus.Subscribe(eventbus.StartBot, func(payload any) {
		reason, _ := payload.(string)
		c.Start(reason)
	})
	bus.Subscribe(eventbus.FundingFee, func(payload any) {
		evt, ok := payload.(balance.FundingRateEvent)
		if !ok {
			return
		}
		c.onFundingRate(evt)
	})
	return c
}

// onFundingRate is the de-risk hook armed by FundingRateThreshold: a rate
// at or above it means carrying the long base position through the next
// funding interval is expensive enough to warn the operator.
func (c *Controller) onFundingRate(evt balance.FundingRateEvent) {
	if c.cfg.FundingRateThreshold <= 0 || evt.Rate < c.cfg.FundingRateThreshold {
		return
	}
	if c.log != nil {
		c.log.Warning("funding rate %.6f for %s at or above threshold %.6f", evt.Rate, evt.Symbol, c.cfg.FundingRateThreshold)
	}
	c.bus.Publish(eventbus.MarginRisk, boterrors.New(boterrors.CategoryPosition, "controller", "onFundingRate",
		"funding rate above configured threshold").
		WithContext("rate", evt.Rate).
		WithContext("threshold", c.cfg.FundingRateThreshold))
}

func (c *Controller) logInfo(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Info(format, args...)
	}
}

// State reports the controller's current observable state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run blocks, driving ticks from the gateway (or backtest candle replay)
// into the controller until ctx is cancelled or, in backtest mode, the
// candle series is exhausted. A STOP_BOT event pauses the run loop without
// returning from Run; a subsequent START_BOT re-enters it without
// re-reading configuration.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.gw.Initialize(ctx, exchange.InitParams{
		Symbol:       c.cfg.Symbol,
		Leverage:     c.cfg.Leverage,
		MarginMode:   c.cfg.MarginMode,
		PositionMode: c.cfg.PositionMode,
	}); err != nil {
		return err
	}

	if _, isBacktest := c.gw.(*exchange.BacktestGateway); !isBacktest {
		if err := c.seedFromLive(ctx); err != nil {
			return err
		}
	}

	for {
		c.mu.Lock()
		c.state = StateRunning
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()

		finished := c.runOnce(runCtx, cancel)
		cancel()

		if finished {
			c.mu.Lock()
			c.state = StateStopped
			c.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.restartSignal:
			continue
		}
	}
}

// seedFromLive populates the balance tracker with the venue-reported quote
// balance and any existing position, run once before the first session in
// LIVE and PAPER_TRADING modes (BACKTEST seeds from configuration instead).
func (c *Controller) seedFromLive(ctx context.Context) error {
	snap, err := c.gw.GetBalance(ctx)
	if err != nil {
		return err
	}
	pos, err := c.gw.GetPosition(ctx, c.cfg.Symbol)
	if err != nil {
		return err
	}
	c.bal.SeedFromLive(snap.Free[c.cfg.QuoteCurrency], pos)
	if pos == nil {
		c.logInfo("no existing position for %s, starting flat", c.cfg.Symbol)
	} else {
		c.logInfo("seeded from venue: %s %.8f @ %.8f", pos.Side, pos.Contracts, pos.EntryPrice)
	}
	return nil
}

// runOnce drives one RUNNING session: the status/funding tracker plus
// either the live ticker stream or, for a BacktestGateway, the candle
// replay loop. It reports whether the session finished for good (candle
// series exhausted) as opposed to being stopped or cancelled, and cancels
// runCtx itself before waiting so the tracker exits alongside the drive
// loop.
func (c *Controller) runOnce(runCtx context.Context, cancel context.CancelFunc) bool {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.tracker.Run(runCtx)
	}()

	finished := false
	if bg, ok := c.gw.(*exchange.BacktestGateway); ok {
		finished = c.runBacktest(runCtx, bg)
	} else {
		if err := c.gw.ListenToTickerUpdates(runCtx, c.cfg.Symbol, func(price float64) {
			c.onTick(runCtx, price)
		}); err != nil {
			c.logInfo("ticker stream ended: %v", err)
		}
	}

	cancel()
	wg.Wait()
	return finished
}

// runBacktest replays the gateway's candle series bar by bar: each Advance
// fills eligible limit orders in-place, then a single status-tracker poll
// dispatches ORDER_FILLED/etc for anything that just closed, reusing the
// live dispatch table instead of a separate fill simulator. Returns true
// once the series is exhausted.
func (c *Controller) runBacktest(runCtx context.Context, bg *exchange.BacktestGateway) bool {
	for {
		select {
		case <-runCtx.Done():
			return false
		default:
		}

		candle, ok := bg.Advance()
		if !ok {
			c.logInfo("backtest candle series exhausted")
			return true
		}

		c.tracker.PollOnce(runCtx)
		c.onTick(runCtx, candle.Close)

		if c.State() != StateRunning {
			return false
		}
	}
}

// onTick is the per-tick handler: sample account value, seed the grid once
// price reverts below the reversion price, then check take-profit/stop-loss.
func (c *Controller) onTick(ctx context.Context, price float64) {
	if c.State() != StateRunning {
		return
	}

	c.orderMg.UpdatePrice(price)
	c.bal.UpdateUnrealizedPnL(price)
	accountValue := c.bal.TotalMarginBalance()
	marginRatio := c.bal.MarginRatio(price)
	if c.metrics != nil {
		c.metrics.RecordSample(accountValue, price, marginRatio)
	}
	c.checkMarginHealth(price, accountValue)

	c.mu.Lock()
	seeded := c.seeded
	c.mu.Unlock()

	if !seeded {
		if price < c.cfg.ReversionPrice {
			c.logInfo("price %.8f reached reversion price %.8f, seeding grid", price, c.cfg.ReversionPrice)
			if err := c.orderMg.PerformInitialPurchase(ctx, price); err != nil {
				c.logInfo("initial purchase failed: %v", err)
				return
			}
			if err := c.orderMg.InitializeGridOrders(ctx, price); err != nil {
				c.logInfo("grid seeding failed: %v", err)
				return
			}
			c.mu.Lock()
			c.seeded = true
			c.mu.Unlock()
		}
		return
	}

	if c.evaluateTPSL(price) {
		c.bus.Publish(eventbus.StopBot, "take-profit/stop-loss hit")
	}
}

// checkMarginHealth publishes MARGIN_CALL on the transition into a
// maintenance-margin breach, once per episode rather than on every tick.
func (c *Controller) checkMarginHealth(price, totalMargin float64) {
	healthy := c.bal.CheckMarginRequirement(price)

	c.mu.Lock()
	wasInCall := c.inMarginCall
	c.inMarginCall = !healthy
	c.mu.Unlock()

	if healthy || wasInCall {
		return
	}
	if c.log != nil {
		c.log.Warning("margin ratio below maintenance at price %.8f", price)
	}
	c.bus.Publish(eventbus.MarginCall, MarginCallEvent{
		RequiredMargin: c.bal.MaintenanceMargin(price),
		CurrentMargin:  totalMargin,
	})
}

// evaluateTPSL reports whether price has crossed the configured
// take-profit or stop-loss band. The grid seeds a long base position only,
// so both bounds are evaluated against the long side.
func (c *Controller) evaluateTPSL(price float64) bool {
	if c.cfg.TakeProfitPrice > 0 && price >= c.cfg.TakeProfitPrice {
		c.logInfo("take-profit price %.8f reached at %.8f", c.cfg.TakeProfitPrice, price)
		return true
	}
	if c.cfg.StopLossPrice > 0 && price <= c.cfg.StopLossPrice {
		c.logInfo("stop-loss price %.8f reached at %.8f", c.cfg.StopLossPrice, price)
		return true
	}
	return false
}

// Stop transitions RUNNING -> STOPPED, cancelling the current run session's
// context; the tracker and ticker/backtest loops exit once their current
// iteration finishes. It is idempotent.
func (c *Controller) Stop(reason string) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	cancel := c.runCancel
	c.mu.Unlock()

	c.logInfo("stopping: %s", reason)
	if cancel != nil {
		cancel()
	}
}

// Start transitions STOPPED -> RUNNING, re-entering the run loop without
// re-reading configuration; the in-memory grid, order book, and seeded
// flag are preserved across the restart.
func (c *Controller) Start(reason string) {
	c.mu.Lock()
	if c.state == StateRunning {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logInfo("starting: %s", reason)
	select {
	case c.restartSignal <- struct{}{}:
	default:
	}
}
