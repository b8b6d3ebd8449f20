package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// BacktestConfig configures the in-memory backtest adapter: a candle
// series to replay and the fee rate to charge on fills.
type BacktestConfig struct {
	Candles []types.OHLCV
	FeeRate float64
}

// BacktestGateway is the BACKTEST trading-mode adapter: market orders fill
// immediately at the current candle's close and are returned already
// CLOSED; limit orders stay OPEN until Advance observes the order's price
// inside a later candle's [low, high] range. Callers receive copies, never
// the internal order: fills performed by Advance must stay invisible to
// the order book until the status tracker fetches and dispatches them.
// IDs are uuids rather than timestamps, which would collide within the
// same second under the replay loop's candle-per-tick pacing.
type BacktestGateway struct {
	mu       sync.Mutex
	cfg      BacktestConfig
	cursor   int
	orders   map[string]*types.Order
	longQty  float64
	shortQty float64
	balance  float64
}

// NewBacktestGateway creates a BacktestGateway from cfg.
func NewBacktestGateway(cfg BacktestConfig) *BacktestGateway {
	return &BacktestGateway{cfg: cfg, orders: make(map[string]*types.Order)}
}

func (g *BacktestGateway) Initialize(ctx context.Context, params InitParams) error {
	return nil
}

func (g *BacktestGateway) SeedBalance(amount float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balance = amount
}

func (g *BacktestGateway) GetBalance(ctx context.Context) (BalanceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return BalanceSnapshot{Free: map[string]float64{"USDT": g.balance}}, nil
}

func (g *BacktestGateway) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.longQty > 0 {
		return &types.Position{Symbol: symbol, Side: types.PositionLong, Contracts: g.longQty}, nil
	}
	if g.shortQty > 0 {
		return &types.Position{Symbol: symbol, Side: types.PositionShort, Contracts: g.shortQty}, nil
	}
	return nil, nil
}

// GetCurrentPrice returns the close of the current replay candle.
func (g *BacktestGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cursor >= len(g.cfg.Candles) {
		return 0, boterrors.NewDataFetchError("backtest", "GetCurrentPrice", errCandlesExhausted)
	}
	return g.cfg.Candles[g.cursor].Close, nil
}

var errCandlesExhausted = &exhaustedError{}

type exhaustedError struct{}

func (e *exhaustedError) Error() string { return "backtest: candle series exhausted" }

// PlaceOrder places a market order (filled immediately at the current
// candle close) or a limit order (left OPEN for Advance to fill).
func (g *BacktestGateway) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	placed := order
	placed.ID = uuid.NewString()
	placed.CreatedAt = time.Now()
	placed.UpdatedAt = time.Now()

	if order.Type == types.OrderTypeMarket {
		price := g.cfg.Candles[g.cursor].Close
		placed.Status = types.OrderStatusClosed
		placed.AvgPrice = price
		placed.Filled = order.Contracts
		placed.Remaining = 0
		placed.Fee = order.Contracts * price * g.cfg.FeeRate
		g.applyPosition(order.Side, order.Contracts)
	} else {
		placed.Status = types.OrderStatusOpen
		placed.Filled = 0
		placed.Remaining = order.Contracts
	}

	stored := placed
	g.orders[stored.ID] = &stored
	return &placed, nil
}

func (g *BacktestGateway) applyPosition(side types.Side, contracts float64) {
	switch side {
	case types.SideBuyOpen:
		g.longQty += contracts
	case types.SideSellOpen:
		g.shortQty += contracts
	case types.SideSellClose:
		g.longQty -= contracts
	case types.SideBuyClose:
		g.shortQty -= contracts
	}
}

func (g *BacktestGateway) FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, boterrors.NewDataFetchError("backtest", "FetchOrder", errOrderNotFound(orderID))
	}
	snapshot := *o
	return &snapshot, nil
}

func (g *BacktestGateway) CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return types.OrderStatusUnknown, boterrors.NewCancellationError("backtest", "CancelOrder", errOrderNotFound(orderID))
	}
	if o.Status.IsTerminal() {
		return o.Status, nil
	}
	o.Status = types.OrderStatusCanceled
	return types.OrderStatusCanceled, nil
}

func (g *BacktestGateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}

// ListenToTickerUpdates is not used in BACKTEST mode; the Strategy
// Controller drives price ticks itself via Advance.
func (g *BacktestGateway) ListenToTickerUpdates(ctx context.Context, symbol string, onPrice TickerCallback) error {
	return boterrors.NewConfigurationError("backtest", "ListenToTickerUpdates", "backtest gateway is driven by Advance, not a ticker stream")
}

func (g *BacktestGateway) CloseConnection() error { return nil }

// Advance moves the replay cursor to the next candle and fills any open
// limit order whose price falls within [low, high] of the new candle,
// returning the candle advanced to and true, or false once the cursor has
// moved past the last candle.
func (g *BacktestGateway) Advance() (types.OHLCV, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cursor++
	if g.cursor >= len(g.cfg.Candles) {
		return types.OHLCV{}, false
	}
	candle := g.cfg.Candles[g.cursor]

	for _, o := range g.orders {
		if o.Status.IsTerminal() || o.Type != types.OrderTypeLimit {
			continue
		}
		if o.Price >= candle.Low && o.Price <= candle.High {
			o.Status = types.OrderStatusClosed
			o.AvgPrice = o.Price
			o.Filled = o.Contracts
			o.Remaining = 0
			o.Fee = o.Contracts * o.Price * g.cfg.FeeRate
			o.UpdatedAt = time.Now()
			g.applyPosition(o.Side, o.Contracts)
		}
	}
	return candle, true
}

type notFoundError string

func (e notFoundError) Error() string { return string(e) + ": order not found" }

func errOrderNotFound(id string) error { return notFoundError(id) }
