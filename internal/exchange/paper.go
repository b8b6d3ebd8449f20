package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// PaperConfig configures the paper-trading adapter: it streams real prices
// from an underlying live price source but fills orders in memory instead
// of submitting them to the venue.
type PaperConfig struct {
	InitialBalance float64
	FeeRate        float64
	PriceSource    Gateway // a live Gateway serving GetCurrentPrice/ListenToTickerUpdates/GetFundingRate; Initialize and CloseConnection are forwarded to it
}

// PaperGateway is the TRADING_MODE=PAPER_TRADING adapter: market data comes
// from PriceSource, but PlaceOrder/CancelOrder/FetchOrder never touch the
// venue. Market orders fill immediately at the last seen price; limit
// orders rest OPEN and fill once the live stream crosses their price, so
// the status tracker discovers paper fills exactly the way it discovers
// real ones — by polling FetchOrder.
type PaperGateway struct {
	mu        sync.Mutex
	cfg       PaperConfig
	lastPrice float64
	orders    map[string]*types.Order
	nextID    int
	longQty   float64
	shortQty  float64
}

// NewPaperGateway creates a PaperGateway from cfg.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	return &PaperGateway{cfg: cfg, orders: make(map[string]*types.Order)}
}

func (g *PaperGateway) Initialize(ctx context.Context, params InitParams) error {
	if g.cfg.PriceSource != nil {
		return g.cfg.PriceSource.Initialize(ctx, params)
	}
	return nil
}

func (g *PaperGateway) GetBalance(ctx context.Context) (BalanceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return BalanceSnapshot{Free: map[string]float64{"USDT": g.cfg.InitialBalance}}, nil
}

func (g *PaperGateway) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
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

func (g *PaperGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if g.cfg.PriceSource != nil {
		price, err := g.cfg.PriceSource.GetCurrentPrice(ctx, symbol)
		if err != nil {
			return 0, err
		}
		g.mu.Lock()
		g.lastPrice = price
		g.mu.Unlock()
		return price, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastPrice == 0 {
		return 0, boterrors.NewDataFetchError("paper", "GetCurrentPrice", fmt.Errorf("no price observed yet"))
	}
	return g.lastPrice, nil
}

// PlaceOrder fills a market order synchronously at the last observed price
// and leaves a limit order resting OPEN until the stream crosses it.
func (g *PaperGateway) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	placed := order
	placed.ID = fmt.Sprintf("paper-%d", g.nextID)
	placed.CreatedAt = time.Now()
	placed.UpdatedAt = time.Now()

	if order.Type == types.OrderTypeMarket {
		fillPrice := g.lastPrice
		if fillPrice == 0 {
			fillPrice = order.Price
		}
		g.fill(&placed, fillPrice)
	} else {
		placed.Status = types.OrderStatusOpen
		placed.Filled = 0
		placed.Remaining = order.Contracts
	}

	stored := placed
	g.orders[stored.ID] = &stored
	return &placed, nil
}

// fill marks o executed at price and applies it to the simulated position.
// Caller holds g.mu.
func (g *PaperGateway) fill(o *types.Order, price float64) {
	o.Status = types.OrderStatusClosed
	o.AvgPrice = price
	o.Filled = o.Contracts
	o.Remaining = 0
	o.Fee = o.Contracts * price * g.cfg.FeeRate
	o.UpdatedAt = time.Now()

	switch o.Side {
	case types.SideBuyOpen:
		g.longQty += o.Contracts
	case types.SideSellOpen:
		g.shortQty += o.Contracts
	case types.SideSellClose:
		g.longQty -= o.Contracts
	case types.SideBuyClose:
		g.shortQty -= o.Contracts
	}
}

// crossCheck fills any resting limit order the last price has crossed: a
// buy fills once price trades at or below its limit, a sell once price
// trades at or above it. Caller holds g.mu.
func (g *PaperGateway) crossCheck() {
	if g.lastPrice == 0 {
		return
	}
	for _, o := range g.orders {
		if o.Status != types.OrderStatusOpen || o.Type != types.OrderTypeLimit {
			continue
		}
		if o.Side.IsBuy() && g.lastPrice <= o.Price {
			g.fill(o, o.Price)
		} else if !o.Side.IsBuy() && g.lastPrice >= o.Price {
			g.fill(o, o.Price)
		}
	}
}

func (g *PaperGateway) FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.crossCheck()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, boterrors.NewDataFetchError("paper", "FetchOrder", fmt.Errorf("order %s not found", orderID))
	}
	snapshot := *o
	return &snapshot, nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return types.OrderStatusCanceled, nil
	}
	if o.Status.IsTerminal() {
		return o.Status, nil
	}
	o.Status = types.OrderStatusCanceled
	return types.OrderStatusCanceled, nil
}

func (g *PaperGateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if g.cfg.PriceSource != nil {
		return g.cfg.PriceSource.GetFundingRate(ctx, symbol)
	}
	return 0, nil
}

func (g *PaperGateway) ListenToTickerUpdates(ctx context.Context, symbol string, onPrice TickerCallback) error {
	if g.cfg.PriceSource == nil {
		return boterrors.NewConfigurationError("paper", "ListenToTickerUpdates", "no price source configured")
	}
	return g.cfg.PriceSource.ListenToTickerUpdates(ctx, symbol, func(price float64) {
		g.mu.Lock()
		g.lastPrice = price
		g.crossCheck()
		g.mu.Unlock()
		onPrice(price)
	})
}

func (g *PaperGateway) CloseConnection() error {
	if g.cfg.PriceSource != nil {
		return g.cfg.PriceSource.CloseConnection()
	}
	return nil
}
