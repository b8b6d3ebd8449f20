// Package statustracker polls every open order and the funding rate on
// fixed intervals, dispatching bus events on status transitions. Each poll
// round fetches the open orders in parallel and waits for all fetches to
// finish before the next round.
package statustracker

import (
	"context"
	"sync"
	"time"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/botlog"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/orderbook"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// Config parameterizes the two polling loops.
type Config struct {
	Symbol               string
	PollingInterval      time.Duration
	FundingCheckInterval time.Duration
}

// DefaultConfig returns the stock intervals: 5s order polling, 60s funding
// rate probing.
func DefaultConfig(symbol string) Config {
	return Config{Symbol: symbol, PollingInterval: 5 * time.Second, FundingCheckInterval: 60 * time.Second}
}

// Tracker polls open orders and the funding rate, publishing bus events.
type Tracker struct {
	cfg  Config
	gw   exchange.Gateway
	book *orderbook.Book
	bus  *eventbus.Bus
	log  *botlog.Logger

	mu       sync.Mutex
	inflight map[string]struct{} // order ids with a fetch in flight, for clean shutdown accounting
}

// New creates a Tracker.
func New(cfg Config, gw exchange.Gateway, book *orderbook.Book, bus *eventbus.Bus, log *botlog.Logger) *Tracker {
	return &Tracker{cfg: cfg, gw: gw, book: book, bus: bus, log: log, inflight: make(map[string]struct{})}
}

// Run blocks, running the order-poll loop and the funding-rate loop until
// ctx is cancelled. Both loops finish their current iteration before
// returning.
func (t *Tracker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); t.pollOrdersLoop(ctx) }()
	go func() { defer wg.Done(); t.pollFundingLoop(ctx) }()
	wg.Wait()
}

func (t *Tracker) pollOrdersLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.pollOnce(ctx)
		}
	}
}

// PollOnce runs a single synchronous poll-and-dispatch pass over every open
// order. The ticker-driven loops use this internally; the Strategy
// Controller also calls it directly after each backtest bar advances,
// reusing the same status-dispatch table instead of a separate
// backtest-only fill simulator.
func (t *Tracker) PollOnce(ctx context.Context) { t.pollOnce(ctx) }

// pollOnce fetches every open order in parallel and dispatches on the
// reported status, waiting for all fetches to finish before returning.
func (t *Tracker) pollOnce(ctx context.Context) {
	open := t.book.AllOpen()
	var wg sync.WaitGroup
	for _, o := range open {
		o := o
		t.mu.Lock()
		t.inflight[o.ID] = struct{}{}
		t.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				t.mu.Lock()
				delete(t.inflight, o.ID)
				t.mu.Unlock()
			}()
			t.pollOrder(ctx, o)
		}()
	}
	wg.Wait()
}

func (t *Tracker) pollOrder(ctx context.Context, stale *types.Order) {
	current, err := t.gw.FetchOrder(ctx, stale.ID, t.cfg.Symbol)
	if err != nil {
		if t.log != nil {
			t.log.Error("status tracker: fetch order %s failed: %v", stale.ID, err)
		}
		return
	}

	if err := t.book.UpdateStatus(current.ID, current.Status, current.Filled, current.AvgPrice, current.Fee); err != nil {
		if t.log != nil {
			t.log.Error("status tracker: update order %s failed: %v", current.ID, err)
		}
		return
	}

	switch current.Status {
	case types.OrderStatusClosed:
		t.bus.Publish(eventbus.OrderFilled, balance.FillEvent{Order: current})
	case types.OrderStatusCanceled, types.OrderStatusExpired, types.OrderStatusRejected:
		t.bus.Publish(eventbus.OrderCancelled, current)
	case types.OrderStatusLiquidated:
		t.bus.Publish(eventbus.PositionUpdate, PositionUpdatePayload{Order: current, Liquidated: true})
	case types.OrderStatusADL:
		t.bus.Publish(eventbus.ADLTriggered, current)
	case types.OrderStatusPartial:
		t.bus.Publish(eventbus.PositionUpdate, PositionUpdatePayload{Order: current, PartialClose: true})
	case types.OrderStatusOpen:
		if current.IsPartialFill() {
			// Recorded via UpdateStatus above; no terminal event fires
			// until the order closes.
			if t.log != nil {
				t.log.Info("order %s partially filled: %.8f/%.8f", current.ID, current.Filled, current.Contracts)
			}
		}
	case types.OrderStatusUnknown:
		if t.log != nil {
			t.log.Error("status tracker: order %s reported UNKNOWN status, not converting silently", current.ID)
		}
		t.bus.Publish(eventbus.OrderFailed, current)
	}
}

// PositionUpdatePayload is the POSITION_UPDATE event payload, carrying
// which of liquidation or partial-close triggered it.
type PositionUpdatePayload struct {
	Order        *types.Order
	Liquidated   bool
	PartialClose bool
}

func (t *Tracker) pollFundingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.FundingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rate, err := t.gw.GetFundingRate(ctx, t.cfg.Symbol)
			if err != nil {
				if t.log != nil {
					t.log.Error("status tracker: funding rate fetch failed: %v", err)
				}
				continue
			}
			t.bus.Publish(eventbus.FundingFee, balance.FundingRateEvent{Symbol: t.cfg.Symbol, Rate: rate})
		}
	}
}
