package gridmgr

import "fmt"

// StrategyType selects the lattice layout: SIMPLE_GRID (buy levels at or
// below the reversion price, sell levels strictly above) or HEDGED_GRID
// (every level but the extremes can both buy and sell).
type StrategyType string

const (
	SimpleGrid StrategyType = "SIMPLE_GRID"
	HedgedGrid StrategyType = "HEDGED_GRID"
)

// SpacingType selects how level prices are distributed between the bottom
// of the range and the reversion price.
type SpacingType string

const (
	Arithmetic SpacingType = "ARITHMETIC"
	Geometric  SpacingType = "GEOMETRIC"
)

// Config parameterizes lattice construction. The reversion price anchors
// the top of the range; the bottom is derived from GridRatio and NumGrids.
type Config struct {
	ReversionPrice  float64
	GridRatio       float64 // r in (0,1)
	NumGrids        int
	SpacingType     SpacingType
	StrategyType    StrategyType
	Leverage        float64
	GridValue       float64 // notional per grid, used by InitialQuantity
	MaxPlacedOrders int
}

// Validate checks the configuration is well formed before level
// construction.
func (c *Config) Validate() error {
	if c.ReversionPrice <= 0 {
		return fmt.Errorf("gridmgr: reversion_price must be positive, got %f", c.ReversionPrice)
	}
	if c.GridRatio <= 0 || c.GridRatio >= 1 {
		return fmt.Errorf("gridmgr: grid_ratio must be in (0,1), got %f", c.GridRatio)
	}
	if c.NumGrids < 2 {
		return fmt.Errorf("gridmgr: num_grids must be >= 2, got %d", c.NumGrids)
	}
	switch c.SpacingType {
	case Arithmetic, Geometric:
	default:
		return fmt.Errorf("gridmgr: unsupported spacing type %q", c.SpacingType)
	}
	switch c.StrategyType {
	case SimpleGrid, HedgedGrid:
	default:
		return fmt.Errorf("gridmgr: unsupported strategy type %q", c.StrategyType)
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.MaxPlacedOrders <= 0 {
		c.MaxPlacedOrders = c.NumGrids
	}
	return nil
}
