// Package gridmgr materializes the price lattice from configuration,
// tracks each level's cycle state, and decides order placement eligibility
// and pairing between open-side and close-side levels.
package gridmgr

import "github.com/ducminhle1904/perp-grid-bot/pkg/types"

// CycleState is a GridLevel's position in its lifecycle.
type CycleState string

const (
	ReadyToBuy         CycleState = "READY_TO_BUY"
	ReadyToSell        CycleState = "READY_TO_SELL"
	ReadyToBuyOrSell   CycleState = "READY_TO_BUY_OR_SELL"
	WaitingForBuyFill  CycleState = "WAITING_FOR_BUY_FILL"
	WaitingForSellFill CycleState = "WAITING_FOR_SELL_FILL"
)

// LevelID indexes a GridLevel in the Manager's arena. Levels reference each
// other only by LevelID, never by pointer, so pairing cannot create a
// reference cycle.
type LevelID int

// orderTouch is one entry in a level's order history.
type orderTouch struct {
	OrderID string
	Side    types.Side
	Status  types.OrderStatus
}

// GridLevel is a single price step in the lattice.
type GridLevel struct {
	ID           LevelID
	Price        float64
	State        CycleState
	History      []orderTouch
	PairedBuyID  *LevelID
	PairedSellID *LevelID
}

// LastOrder returns the most recently attached order touch, or nil if the
// level has never had an order placed on it.
func (l *GridLevel) LastOrder() *orderTouch {
	if len(l.History) == 0 {
		return nil
	}
	return &l.History[len(l.History)-1]
}
