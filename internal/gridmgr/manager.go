package gridmgr

import (
	"math"
	"sort"

	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// Manager owns the level arena and is the only component permitted to
// mutate a GridLevel. It is not safe for concurrent use from multiple
// goroutines without an external mutex; the order manager serializes
// every mutating entry point behind its own lock.
type Manager struct {
	cfg    Config
	levels []*GridLevel

	centralPrice  float64
	bottomPrice   float64
	topPrice      float64
	sortedBuyIDs  []LevelID // ascending price
	sortedSellIDs []LevelID // ascending price
}

// NewManager validates cfg, computes the lattice, and assigns initial cycle
// states per the chosen StrategyType.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{cfg: cfg}
	m.topPrice = cfg.ReversionPrice
	m.bottomPrice = cfg.ReversionPrice * math.Pow(1-cfg.GridRatio, float64(cfg.NumGrids))
	m.centralPrice = cfg.ReversionPrice

	prices := m.computePrices()
	m.levels = make([]*GridLevel, len(prices))
	for i, p := range prices {
		m.levels[i] = &GridLevel{ID: LevelID(i), Price: p}
	}

	m.assignInitialStates()
	m.buildProjections()
	return m, nil
}

// computePrices returns the bottom-up price sequence for the configured
// spacing type.
func (m *Manager) computePrices() []float64 {
	n := m.cfg.NumGrids
	prices := make([]float64, n)

	switch m.cfg.SpacingType {
	case Arithmetic:
		spacing := (m.topPrice - m.bottomPrice) / float64(n-1)
		spacing = m.arithmeticSpacing(spacing)
		for i := 0; i < n; i++ {
			prices[i] = m.bottomPrice + float64(i)*spacing
		}
	case Geometric:
		// The bottom of range seeds the ladder but is not itself a level:
		// the first level sits one (1-r) step above it, at
		// reversion*(1-r)^(n-1), and the ladder climbs by 1+r from there.
		current := m.bottomPrice / (1 - m.cfg.GridRatio)
		for i := 0; i < n; i++ {
			prices[i] = current
			current *= 1 + m.cfg.GridRatio
		}
	}
	return prices
}

// arithmeticSpacing widens the base spacing under leverage: spacing grows
// 10% per unit of leverage beyond 1x.
func (m *Manager) arithmeticSpacing(base float64) float64 {
	return base * (1 + (m.cfg.Leverage-1)*0.1)
}

// assignInitialStates sets each level's starting CycleState per layout.
func (m *Manager) assignInitialStates() {
	top := m.levels[len(m.levels)-1]
	switch m.cfg.StrategyType {
	case SimpleGrid:
		for _, l := range m.levels {
			if l.Price <= m.centralPrice {
				l.State = ReadyToBuy
			} else {
				l.State = ReadyToSell
			}
		}
	case HedgedGrid:
		for _, l := range m.levels {
			if l == top {
				l.State = ReadyToSell
			} else {
				l.State = ReadyToBuyOrSell
			}
		}
	}
}

// buildProjections derives the two sorted buy/sell-eligible projections.
func (m *Manager) buildProjections() {
	switch m.cfg.StrategyType {
	case SimpleGrid:
		for _, l := range m.levels {
			if l.Price <= m.centralPrice {
				m.sortedBuyIDs = append(m.sortedBuyIDs, l.ID)
			} else {
				m.sortedSellIDs = append(m.sortedSellIDs, l.ID)
			}
		}
	case HedgedGrid:
		// all but the top level buy-eligible, all but the bottom sell-eligible
		for i, l := range m.levels {
			if i != len(m.levels)-1 {
				m.sortedBuyIDs = append(m.sortedBuyIDs, l.ID)
			}
			if i != 0 {
				m.sortedSellIDs = append(m.sortedSellIDs, l.ID)
			}
		}
	}
	sort.Slice(m.sortedBuyIDs, func(i, j int) bool { return m.levels[m.sortedBuyIDs[i]].Price < m.levels[m.sortedBuyIDs[j]].Price })
	sort.Slice(m.sortedSellIDs, func(i, j int) bool { return m.levels[m.sortedSellIDs[i]].Price < m.levels[m.sortedSellIDs[j]].Price })
}

// Level returns the level for id. It panics on an out-of-range id since
// LevelID values only ever originate from this Manager.
func (m *Manager) Level(id LevelID) *GridLevel {
	return m.levels[id]
}

// Levels returns every level in ascending price order. Callers must not
// mutate the returned levels directly; all mutation goes through Manager.
func (m *Manager) Levels() []*GridLevel {
	return m.levels
}

// ReversionPrice returns the configured upper anchor of the lattice.
func (m *Manager) ReversionPrice() float64 { return m.cfg.ReversionPrice }

// CentralPrice returns the lattice's reversion/central price.
func (m *Manager) CentralPrice() float64 { return m.centralPrice }

// MaxPlacedOrders returns the configured hard cap on concurrent live orders
// per side.
func (m *Manager) MaxPlacedOrders() int { return m.cfg.MaxPlacedOrders }

// Leverage returns the configured leverage used to size and validate orders.
func (m *Manager) Leverage() float64 { return m.cfg.Leverage }

// GridValue returns the configured per-grid notional, used to size the
// close orders that distribute the seeded base position across sell levels.
func (m *Manager) GridValue() float64 { return m.cfg.GridValue }

// SortedBuyGrids returns levels eligible to buy on, ascending by price.
func (m *Manager) SortedBuyGrids() []*GridLevel {
	return m.levelsFor(m.sortedBuyIDs)
}

// SortedSellGrids returns levels eligible to sell on, ascending by price.
func (m *Manager) SortedSellGrids() []*GridLevel {
	return m.levelsFor(m.sortedSellIDs)
}

func (m *Manager) levelsFor(ids []LevelID) []*GridLevel {
	out := make([]*GridLevel, len(ids))
	for i, id := range ids {
		out[i] = m.levels[id]
	}
	return out
}

// CanPlace reports whether side can legally be placed on level. SIMPLE_GRID
// requires an exact state match; HEDGED_GRID additionally permits the dual
// READY_TO_BUY_OR_SELL state for either side.
func (m *Manager) CanPlace(level *GridLevel, side types.Side) bool {
	wantBuy := side == types.SideBuyOpen
	switch m.cfg.StrategyType {
	case SimpleGrid:
		if wantBuy {
			return level.State == ReadyToBuy
		}
		return level.State == ReadyToSell
	case HedgedGrid:
		if level.State == ReadyToBuyOrSell {
			return true
		}
		if wantBuy {
			return level.State == ReadyToBuy
		}
		return level.State == ReadyToSell
	default:
		return false
	}
}

// MarkPending appends order to level's history and transitions its state to
// the WAITING_FOR_*_FILL state matching the order's side.
func (m *Manager) MarkPending(level *GridLevel, order *types.Order) {
	level.History = append(level.History, orderTouch{OrderID: order.ID, Side: order.Side, Status: order.Status})
	switch order.Side {
	case types.SideBuyOpen:
		level.State = WaitingForBuyFill
	case types.SideSellOpen, types.SideSellClose:
		level.State = WaitingForSellFill
	case types.SideBuyClose:
		level.State = WaitingForBuyFill
	}
}

// RecordStatus updates the status of the most recent order touch on level,
// used by the Order Status Tracker to keep grid history in sync without
// re-running the full Complete transition (e.g. for a PARTIAL_CLOSE).
func (m *Manager) RecordStatus(level *GridLevel, orderID string, status types.OrderStatus) {
	for i := range level.History {
		if level.History[i].OrderID == orderID {
			level.History[i].Status = status
			return
		}
	}
}

// Complete transitions level on a fill of the given side. SIMPLE_GRID: a
// filled BUY_OPEN arms the level to sell (READY_TO_SELL); any completed
// close fill frees it back to READY_TO_BUY so the level re-enters and the
// buy/sell cycle restarts. HEDGED_GRID: BUY_OPEN -> READY_TO_BUY_OR_SELL
// and the paired sell level (if any) -> READY_TO_SELL; a close fill ->
// READY_TO_BUY_OR_SELL and the paired buy level (if any) -> READY_TO_BUY.
// The transition depends only on side intent; callers never supply a
// separate position side.
func (m *Manager) Complete(level *GridLevel, side types.Side) {
	switch m.cfg.StrategyType {
	case SimpleGrid:
		switch side {
		case types.SideBuyOpen:
			level.State = ReadyToSell
		case types.SideBuyClose, types.SideSellClose:
			level.State = ReadyToBuy
		case types.SideSellOpen:
			level.State = ReadyToBuy
		}
	case HedgedGrid:
		switch side {
		case types.SideBuyOpen:
			level.State = ReadyToBuyOrSell
			if level.PairedSellID != nil {
				m.levels[*level.PairedSellID].State = ReadyToSell
			}
		case types.SideBuyClose, types.SideSellClose:
			level.State = ReadyToBuyOrSell
			if level.PairedBuyID != nil {
				m.levels[*level.PairedBuyID].State = ReadyToBuy
			}
		case types.SideSellOpen:
			level.State = ReadyToBuyOrSell
			if level.PairedBuyID != nil {
				m.levels[*level.PairedBuyID].State = ReadyToBuy
			}
		}
	}
}

// Pair sets the cross-references consistently on both levels. kind "buy"
// means target is source's paired buy level (and source is target's paired
// sell level); any other value pairs the reverse.
func (m *Manager) Pair(source, target *GridLevel, kind string) {
	if kind == "buy" {
		target.PairedSellID = ptr(source.ID)
		source.PairedBuyID = ptr(target.ID)
	} else {
		source.PairedSellID = ptr(target.ID)
		target.PairedBuyID = ptr(source.ID)
	}
}

func ptr(id LevelID) *LevelID { return &id }

// PairedSellLevel resolves the sell-side counterpart for a buy-side fill.
// SIMPLE_GRID: the lowest sell-eligible level strictly above buyLevel's
// price for which a SELL_CLOSE can currently be placed. HEDGED_GRID: the
// next level immediately above buyLevel in sort order. Returns nil when no
// such level exists (e.g. a fill at the topmost level).
func (m *Manager) PairedSellLevel(buyLevel *GridLevel) *GridLevel {
	switch m.cfg.StrategyType {
	case SimpleGrid:
		var best *GridLevel
		for _, l := range m.SortedSellGrids() {
			if l.Price > buyLevel.Price && m.CanPlace(l, types.SideSellClose) {
				if best == nil || l.Price < best.Price {
					best = l
				}
			}
		}
		return best
	case HedgedGrid:
		for i, l := range m.levels {
			if l.ID == buyLevel.ID {
				if i+1 < len(m.levels) {
					return m.levels[i+1]
				}
				return nil
			}
		}
	}
	return nil
}

// PairedBuyLevel resolves the buy-side counterpart for a sell-side fill.
// It prefers the level's stored PairedBuyID if still eligible, else falls
// back to the nearest level below sellLevel in price.
func (m *Manager) PairedBuyLevel(sellLevel *GridLevel) *GridLevel {
	if sellLevel.PairedBuyID != nil {
		candidate := m.levels[*sellLevel.PairedBuyID]
		if m.CanPlace(candidate, types.SideBuyOpen) {
			return candidate
		}
	}
	var best *GridLevel
	for _, l := range m.levels {
		if l.Price < sellLevel.Price {
			if best == nil || l.Price > best.Price {
				best = l
			}
		}
	}
	return best
}

// InitialQuantity returns the notional to seed a long base position with:
// the sum, over levels strictly above currentPrice, of the configured
// per-grid notional value.
func (m *Manager) InitialQuantity(currentPrice float64) float64 {
	count := 0
	for _, l := range m.levels {
		if l.Price > currentPrice {
			count++
		}
	}
	return float64(count) * m.cfg.GridValue
}

// OrderSize returns the contract quantity for a single grid order given the
// total available margin and the current price: each grid gets an equal
// margin allocation, levered into contracts and haircut by the maintenance
// margin ratio.
func (m *Manager) OrderSize(totalMargin, currentPrice, maintenanceMarginRatio float64) float64 {
	marginPerGrid := totalMargin / float64(len(m.levels))
	maxSize := marginPerGrid * m.cfg.Leverage / currentPrice
	return maxSize * (1 - maintenanceMarginRatio)
}
