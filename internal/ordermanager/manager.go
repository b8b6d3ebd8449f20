// Package ordermanager reacts to fill events by pairing a filled open
// order with a close order on its paired grid level (and vice versa to
// restart the cycle), and performs the one-time initial purchase and grid
// seeding at strategy start.
package ordermanager

import (
	"context"
	"sync"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/botlog"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/execution"
	"github.com/ducminhle1904/perp-grid-bot/internal/gridmgr"
	"github.com/ducminhle1904/perp-grid-bot/internal/monitoring"
	"github.com/ducminhle1904/perp-grid-bot/internal/orderbook"
	"github.com/ducminhle1904/perp-grid-bot/internal/validator"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

const component = "ordermanager"

// Config parameterizes the Order Manager. MaintenanceMarginRatio mirrors
// the value the Balance Tracker was constructed with, needed here to size
// fresh grid orders via grid.OrderSize.
type Config struct {
	Symbol                 string
	MaintenanceMarginRatio float64
}

// Manager owns fill handling and grid seeding. Its single mutex serializes every
// grid-mutating operation (fill handling, seeding, initial purchase), so
// the Grid Manager it fronts never sees concurrent access even though the
// status tracker delivers fills from its own goroutines.
type Manager struct {
	cfg       Config
	grid      *gridmgr.Manager
	book      *orderbook.Book
	bal       *balance.Tracker
	validator *validator.Validator
	strategy  execution.Strategy
	bus       *eventbus.Bus
	log       *botlog.Logger

	mu        sync.Mutex
	lastPrice float64
}

// New creates a Manager and subscribes it to ORDER_FILLED.
func New(cfg Config, grid *gridmgr.Manager, book *orderbook.Book, bal *balance.Tracker, v *validator.Validator, strategy execution.Strategy, bus *eventbus.Bus, log *botlog.Logger) *Manager {
	m := &Manager{cfg: cfg, grid: grid, book: book, bal: bal, validator: v, strategy: strategy, bus: bus, log: log}
	bus.Subscribe(eventbus.OrderFilled, m.onOrderFilled)
	return m
}

// UpdatePrice records the latest observed mark price, used to size fresh
// grid orders placed when a close fill restarts a cycle.
func (m *Manager) UpdatePrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPrice = price
}

func (m *Manager) logInfo(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Info(format, args...)
	}
}

func (m *Manager) logError(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Error(format, args...)
	}
}

// onOrderFilled is the ORDER_FILLED subscriber. A fill with no associated
// grid level (e.g. the initial market purchase) is logged and ignored.
func (m *Manager) onOrderFilled(payload any) {
	evt, ok := payload.(balance.FillEvent)
	if !ok || evt.Order == nil {
		return
	}
	order := evt.Order

	levelID, ok := m.book.GridLevelFor(order.ID)
	if !ok {
		m.logInfo("order %s filled with no associated grid level, ignoring", order.ID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	level := m.grid.Level(gridmgr.LevelID(levelID))
	m.grid.RecordStatus(level, order.ID, order.Status)

	switch order.Side {
	case types.SideBuyOpen:
		m.grid.Complete(level, order.Side)
		m.placePairedClose(level, order, true)
	case types.SideSellOpen:
		m.grid.Complete(level, order.Side)
		m.placePairedClose(level, order, false)
	case types.SideSellClose:
		m.grid.Complete(level, order.Side)
		m.reopenCycle(level, true)
	case types.SideBuyClose:
		m.grid.Complete(level, order.Side)
		m.reopenCycle(level, false)
	}
	m.publishGridStateMetrics()
}

// placePairedClose places a close order on the level paired with the one
// that just filled an open order, quantity derived from the fill itself
// (not resized), and links the two levels so the eventual close fill can
// find its way back here.
func (m *Manager) placePairedClose(openLevel *gridmgr.GridLevel, filled *types.Order, wasLong bool) {
	var pairedLevel *gridmgr.GridLevel
	var closeSide types.Side
	if wasLong {
		pairedLevel = m.grid.PairedSellLevel(openLevel)
		closeSide = types.SideSellClose
	} else {
		pairedLevel = m.grid.PairedBuyLevel(openLevel)
		closeSide = types.SideBuyClose
	}
	if pairedLevel == nil {
		m.logInfo("no paired close level for level %d, skipping close placement", openLevel.ID)
		return
	}
	if !m.grid.CanPlace(pairedLevel, closeSide) {
		m.logInfo("paired close level %d not eligible for %s, skipping", pairedLevel.ID, closeSide)
		return
	}

	snap := m.bal.Snapshot()
	position := snap.LongPosition
	if !wasLong {
		position = snap.ShortPosition
	}
	quantity, err := m.validator.ValidateClose(position, filled.Filled)
	if err != nil {
		monitoring.ValidationRejections.WithLabelValues(m.cfg.Symbol, "close").Inc()
		m.logError("validate close quantity for level %d: %v", pairedLevel.ID, err)
		return
	}

	placed, err := m.strategy.ExecuteLimitOrder(context.Background(), closeSide, m.cfg.Symbol, quantity, pairedLevel.Price)
	if err != nil {
		m.logError("place paired close order at level %d: %v", pairedLevel.ID, err)
		return
	}

	if wasLong {
		m.grid.Pair(openLevel, pairedLevel, "sell")
	} else {
		m.grid.Pair(openLevel, pairedLevel, "buy")
	}

	lvlID := int(pairedLevel.ID)
	if err := m.book.Add(placed, &lvlID); err != nil {
		m.logError("index paired close order: %v", err)
		return
	}
	m.grid.MarkPending(pairedLevel, placed)
	m.bus.Publish(eventbus.OrderPlaced, placed)
}

// reopenCycle places a fresh open order on the level paired with the one
// whose close just filled, restarting the grid cycle there.
func (m *Manager) reopenCycle(closeLevel *gridmgr.GridLevel, wasLongClose bool) {
	var pairedLevel *gridmgr.GridLevel
	var openSide types.Side
	if wasLongClose {
		pairedLevel = m.grid.PairedBuyLevel(closeLevel)
		openSide = types.SideBuyOpen
	} else {
		pairedLevel = m.grid.PairedSellLevel(closeLevel)
		openSide = types.SideSellOpen
	}
	if pairedLevel == nil {
		m.logInfo("no paired reopen level for level %d, skipping", closeLevel.ID)
		return
	}
	if !m.grid.CanPlace(pairedLevel, openSide) {
		m.logInfo("paired reopen level %d not eligible for %s, skipping", pairedLevel.ID, openSide)
		return
	}
	if m.lastPrice <= 0 {
		m.logError("reopen cycle for level %d: no mark price observed yet", pairedLevel.ID)
		return
	}

	totalMargin := m.bal.TotalMarginBalance()
	size := m.grid.OrderSize(totalMargin, m.lastPrice, m.cfg.MaintenanceMarginRatio)

	quantity, err := m.validator.ValidateOpen(m.bal.AvailableMargin(), size, pairedLevel.Price, m.grid.Leverage())
	if err != nil {
		monitoring.ValidationRejections.WithLabelValues(m.cfg.Symbol, "open").Inc()
		m.logError("validate reopen quantity for level %d: %v", pairedLevel.ID, err)
		return
	}
	if err := m.bal.ReserveMargin(quantity, pairedLevel.Price); err != nil {
		m.logError("reserve margin for reopen at level %d: %v", pairedLevel.ID, err)
		return
	}

	placed, err := m.strategy.ExecuteLimitOrder(context.Background(), openSide, m.cfg.Symbol, quantity, pairedLevel.Price)
	if err != nil {
		m.bal.ReleaseMargin(quantity, pairedLevel.Price)
		m.logError("place reopen order at level %d: %v", pairedLevel.ID, err)
		return
	}

	lvlID := int(pairedLevel.ID)
	if err := m.book.Add(placed, &lvlID); err != nil {
		m.bal.ReleaseMargin(quantity, pairedLevel.Price)
		m.logError("index reopen order: %v", err)
		return
	}
	m.grid.MarkPending(pairedLevel, placed)
	m.bus.Publish(eventbus.OrderPlaced, placed)
}

// PerformInitialPurchase seeds the base position a grid strategy needs
// before it can start pairing closes: quantity comes from
// grid.InitialQuantity, skipped entirely when it is non-positive, executed
// as a single market BUY_OPEN with no grid level attached.
func (m *Manager) PerformInitialPurchase(ctx context.Context, currentPrice float64) error {
	m.mu.Lock()
	notional := m.grid.InitialQuantity(currentPrice)
	if notional <= 0 {
		m.mu.Unlock()
		m.logInfo("initial purchase quantity is zero or negative, skipping")
		return nil
	}

	quantity := notional / currentPrice
	adjusted, err := m.validator.ValidateOpen(m.bal.AvailableMargin(), quantity, currentPrice, m.grid.Leverage())
	if err != nil {
		m.mu.Unlock()
		monitoring.ValidationRejections.WithLabelValues(m.cfg.Symbol, "open").Inc()
		return err
	}
	if err := m.bal.ReserveMargin(adjusted, currentPrice); err != nil {
		m.mu.Unlock()
		return err
	}

	placed, err := m.strategy.ExecuteMarketOrder(ctx, types.SideBuyOpen, m.cfg.Symbol, adjusted, currentPrice)
	if err != nil {
		m.bal.ReleaseMargin(adjusted, currentPrice)
		m.mu.Unlock()
		return err
	}
	if err := m.book.Add(placed, nil); err != nil {
		m.bal.ReleaseMargin(adjusted, currentPrice)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.logInfo("initial purchase completed: %.8f %s at %.8f", placed.Filled, m.cfg.Symbol, placed.AvgPrice)
	m.bus.Publish(eventbus.OrderFilled, balance.FillEvent{Order: placed})
	return nil
}

// InitializeGridOrders places the opening lattice of limit orders: BUY_OPEN
// on buy grids descending from the highest eligible price below
// currentPrice (closest-first), SELL_CLOSE on sell grids ascending from the
// lowest eligible price above currentPrice — the sells harvest the base
// position the initial purchase just seeded — each side capped at
// MaxPlacedOrders successes. Levels at or beyond currentPrice on the wrong
// side are skipped rather than counted against the cap.
func (m *Manager) InitializeGridOrders(ctx context.Context, currentPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.placeSide(ctx, m.descendingBuyGrids(), types.SideBuyOpen, currentPrice, func(levelPrice float64) bool {
		return levelPrice >= currentPrice
	}); err != nil {
		return err
	}
	err := m.placeSide(ctx, m.grid.SortedSellGrids(), types.SideSellClose, currentPrice, func(levelPrice float64) bool {
		return levelPrice <= currentPrice
	})
	m.publishGridStateMetrics()
	return err
}

func (m *Manager) descendingBuyGrids() []*gridmgr.GridLevel {
	grids := m.grid.SortedBuyGrids()
	out := make([]*gridmgr.GridLevel, len(grids))
	for i, l := range grids {
		out[len(grids)-1-i] = l
	}
	return out
}

func (m *Manager) placeSide(ctx context.Context, grids []*gridmgr.GridLevel, side types.Side, currentPrice float64, skip func(float64) bool) error {
	placed := 0
	maxPlaced := m.grid.MaxPlacedOrders()
	for _, level := range grids {
		if placed >= maxPlaced {
			return nil
		}
		if skip(level.Price) {
			m.logInfo("skipping grid level at %.8f for %s: wrong side of current price %.8f", level.Price, side, currentPrice)
			continue
		}
		if !m.grid.CanPlace(level, side) {
			continue
		}

		quantity, err := m.sizeFor(side, level.Price, currentPrice)
		if err != nil {
			m.logError("failed to size initial order at level %d: %v", level.ID, err)
			continue
		}
		if side.IsOpen() {
			if err := m.bal.ReserveMargin(quantity, level.Price); err != nil {
				m.logError("failed to reserve margin at level %d: %v", level.ID, err)
				continue
			}
		}

		order, err := m.strategy.ExecuteLimitOrder(ctx, side, m.cfg.Symbol, quantity, level.Price)
		if err != nil {
			if side.IsOpen() {
				m.bal.ReleaseMargin(quantity, level.Price)
			}
			m.logError("failed to place initial %s order at %.8f: %v", side, level.Price, err)
			continue
		}

		lvlID := int(level.ID)
		if err := m.book.Add(order, &lvlID); err != nil {
			if side.IsOpen() {
				m.bal.ReleaseMargin(quantity, level.Price)
			}
			m.logError("failed to index initial order: %v", err)
			continue
		}
		m.grid.MarkPending(level, order)
		placed++
	}
	return nil
}

// sizeFor returns the validator-adjusted quantity for a fresh grid order:
// open orders are sized off the per-grid margin allocation, close orders
// distribute the seeded base position one grid-notional at a time (the
// initial purchase bought GridValue worth per sell level at currentPrice).
func (m *Manager) sizeFor(side types.Side, levelPrice, currentPrice float64) (float64, error) {
	if side.IsOpen() {
		totalMargin := m.bal.TotalMarginBalance()
		size := m.grid.OrderSize(totalMargin, levelPrice, m.cfg.MaintenanceMarginRatio)
		quantity, err := m.validator.ValidateOpen(m.bal.AvailableMargin(), size, levelPrice, m.grid.Leverage())
		if err != nil {
			monitoring.ValidationRejections.WithLabelValues(m.cfg.Symbol, "open").Inc()
		}
		return quantity, err
	}

	snap := m.bal.Snapshot()
	position := snap.LongPosition
	if side == types.SideBuyClose {
		position = snap.ShortPosition
	}
	requested := m.grid.GridValue() / currentPrice
	quantity, err := m.validator.ValidateClose(position, requested)
	if err != nil {
		monitoring.ValidationRejections.WithLabelValues(m.cfg.Symbol, "close").Inc()
	}
	return quantity, err
}

// publishGridStateMetrics exports the per-state level counts. Caller holds
// m.mu.
func (m *Manager) publishGridStateMetrics() {
	counts := map[gridmgr.CycleState]int{
		gridmgr.ReadyToBuy:         0,
		gridmgr.ReadyToSell:        0,
		gridmgr.ReadyToBuyOrSell:   0,
		gridmgr.WaitingForBuyFill:  0,
		gridmgr.WaitingForSellFill: 0,
	}
	for _, l := range m.grid.Levels() {
		counts[l.State]++
	}
	for state, n := range counts {
		monitoring.GridLevelState.WithLabelValues(m.cfg.Symbol, string(state)).Set(float64(n))
	}
}
