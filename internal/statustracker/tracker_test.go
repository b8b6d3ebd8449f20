package statustracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/internal/exchange"
	"github.com/ducminhle1904/perp-grid-bot/internal/orderbook"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	statuses map[string]types.OrderStatus
	funding  float64
}

func (f *fakeGateway) Initialize(ctx context.Context, params exchange.InitParams) error { return nil }
func (f *fakeGateway) GetBalance(ctx context.Context) (exchange.BalanceSnapshot, error) {
	return exchange.BalanceSnapshot{}, nil
}
func (f *fakeGateway) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	return nil, nil
}
func (f *fakeGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (f *fakeGateway) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	return nil, nil
}
func (f *fakeGateway) FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.statuses[orderID]
	return &types.Order{ID: orderID, Symbol: symbol, Status: status, Contracts: 1, Filled: 1}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error) {
	return types.OrderStatusCanceled, nil
}
func (f *fakeGateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	return f.funding, nil
}
func (f *fakeGateway) ListenToTickerUpdates(ctx context.Context, symbol string, onPrice exchange.TickerCallback) error {
	return nil
}
func (f *fakeGateway) CloseConnection() error { return nil }

func seedOrder(book *orderbook.Book, id string, side types.Side) {
	level := 0
	_ = book.Add(&types.Order{ID: id, Symbol: "BTCUSDT", Side: side, Status: types.OrderStatusOpen, Contracts: 1}, &level)
}

func TestPollOnce_ClosedOrder_PublishesOrderFilled(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusClosed}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	var received *types.Order
	bus.Subscribe(eventbus.OrderFilled, func(payload any) { received = payload.(balance.FillEvent).Order })

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())

	require.NotNil(t, received)
	assert.Equal(t, "o1", received.ID)
}

func TestPollOnce_CanceledOrder_PublishesOrderCancelled(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusCanceled}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	fired := false
	bus.Subscribe(eventbus.OrderCancelled, func(payload any) { fired = true })

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())
	assert.True(t, fired)
}

func TestPollOnce_LiquidatedOrder_PublishesPositionUpdateWithLiquidatedFlag(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusLiquidated}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	var payload PositionUpdatePayload
	bus.Subscribe(eventbus.PositionUpdate, func(p any) { payload = p.(PositionUpdatePayload) })

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())
	assert.True(t, payload.Liquidated)
}

func TestPollOnce_ADLOrder_PublishesADLTriggered(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusADL}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	fired := false
	bus.Subscribe(eventbus.ADLTriggered, func(payload any) { fired = true })

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())
	assert.True(t, fired)
}

func TestPollOnce_UnknownStatus_PublishesOrderFailedNotSilentlyConverted(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusUnknown}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	fired := false
	bus.Subscribe(eventbus.OrderFailed, func(payload any) { fired = true })

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())
	assert.True(t, fired)
}

func TestPollOnce_StillOpen_NoEventFires(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{"o1": types.OrderStatusOpen}}
	book := orderbook.New()
	seedOrder(book, "o1", types.SideBuyOpen)
	bus := eventbus.New()

	fired := false
	for _, k := range []eventbus.Kind{eventbus.OrderFilled, eventbus.OrderCancelled, eventbus.ADLTriggered, eventbus.OrderFailed, eventbus.PositionUpdate} {
		bus.Subscribe(k, func(payload any) { fired = true })
	}

	tr := New(DefaultConfig("BTCUSDT"), gw, book, bus, nil)
	tr.pollOnce(context.Background())
	assert.False(t, fired)
}

func TestRun_FundingLoop_PublishesFundingFee(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{}, funding: 0.0001}
	book := orderbook.New()
	bus := eventbus.New()

	var once sync.Once
	var received balance.FundingRateEvent
	done := make(chan struct{})
	bus.Subscribe(eventbus.FundingFee, func(payload any) {
		once.Do(func() {
			received = payload.(balance.FundingRateEvent)
			close(done)
		})
	})

	cfg := Config{Symbol: "BTCUSDT", PollingInterval: time.Hour, FundingCheckInterval: 5 * time.Millisecond}
	tr := New(cfg, gw, book, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go tr.Run(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for funding fee event")
	}
	cancel()
	assert.Equal(t, "BTCUSDT", received.Symbol)
	assert.InDelta(t, 0.0001, received.Rate, 1e-12)
}

func TestRun_CancelStopsBothLoopsPromptly(t *testing.T) {
	gw := &fakeGateway{statuses: map[string]types.OrderStatus{}}
	book := orderbook.New()
	bus := eventbus.New()

	cfg := Config{Symbol: "BTCUSDT", PollingInterval: time.Millisecond, FundingCheckInterval: time.Millisecond}
	tr := New(cfg, gw, book, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(runDone)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
}
