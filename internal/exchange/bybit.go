// Bybit live adapter: wraps the v5 unified trading API for linear
// perpetuals, with exponential-backoff retries and a reconnecting public
// websocket for the ticker stream.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"

	"github.com/ducminhle1904/perp-grid-bot/internal/boterrors"
	"github.com/ducminhle1904/perp-grid-bot/internal/monitoring"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

const category = "linear"

// BybitConfig configures the live Bybit adapter.
type BybitConfig struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Demo      bool
	WSBaseURL string // public linear ticker stream, e.g. wss://stream.bybit.com/v5/public/linear
}

// BybitGateway implements Gateway against Bybit's v5 unified trading API.
type BybitGateway struct {
	cfg    BybitConfig
	client *bybit_api.Client
	ws     *websocket.Conn
	retry  RetryConfig
}

// RetryConfig parameterizes exponential backoff with jitter.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns the stock backoff schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2.0}
}

// NewBybitGateway creates a BybitGateway from cfg.
func NewBybitGateway(cfg BybitConfig) *BybitGateway {
	var baseURL string
	switch {
	case cfg.Demo:
		baseURL = "https://api-demo.bybit.com"
	case cfg.Testnet:
		baseURL = bybit_api.TESTNET
	default:
		baseURL = bybit_api.MAINNET
	}
	client := bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(baseURL))
	return &BybitGateway{cfg: cfg, client: client, retry: DefaultRetryConfig()}
}

func (g *BybitGateway) retryDo(ctx context.Context, endpoint string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		start := time.Now()
		err := fn()
		monitoring.ExchangeLatency.WithLabelValues("bybit", endpoint).Observe(time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == g.retry.MaxRetries {
			break
		}
		delay := time.Duration(float64(g.retry.InitialDelay) * math.Pow(g.retry.BackoffFactor, float64(attempt)))
		if delay > g.retry.MaxDelay {
			delay = g.retry.MaxDelay
		}
		delay += time.Duration(rand.Int63n(int64(delay) / 4))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return boterrors.NewDataFetchError("bybit", "retryDo", lastErr)
}

// Initialize switches position mode and sets leverage for params.Symbol.
func (g *BybitGateway) Initialize(ctx context.Context, params InitParams) error {
	mode := "0"
	if params.PositionMode == PositionModeHedged {
		mode = "3"
	}
	err := g.retryDo(ctx, "SwitchPositionMode", func() error {
		_, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   params.Symbol,
			"mode":     mode,
		}).SwitchPositionMode(ctx)
		return err
	})
	if err != nil {
		return boterrors.Wrap(err, boterrors.CategoryConfiguration, "bybit", "Initialize")
	}

	marginMode := "ISOLATED_MARGIN"
	if params.MarginMode == MarginModeCross {
		marginMode = "REGULAR_MARGIN"
	}
	leverageStr := strconv.FormatFloat(params.Leverage, 'f', -1, 64)
	err = g.retryDo(ctx, "SetLeverage", func() error {
		_, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category":     category,
			"symbol":       params.Symbol,
			"tradeMode":    marginMode,
			"buyLeverage":  leverageStr,
			"sellLeverage": leverageStr,
		}).SetPositionLeverage(ctx)
		return err
	})
	if err != nil {
		return boterrors.Wrap(err, boterrors.CategoryConfiguration, "bybit", "Initialize")
	}
	return nil
}

func (g *BybitGateway) GetBalance(ctx context.Context) (BalanceSnapshot, error) {
	snap := BalanceSnapshot{Free: map[string]float64{}, Locked: map[string]float64{}}
	var raw interface{}
	err := g.retryDo(ctx, "GetAccountWallet", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"accountType": "UNIFIED",
		}).GetAccountWallet(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return snap, boterrors.NewDataFetchError("bybit", "GetBalance", err)
	}

	var parsed struct {
		List []struct {
			Coin []struct {
				Coin             string `json:"coin"`
				AvailableToTrade string `json:"availableToTrade"`
				Locked           string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := decodeResult(raw, &parsed); err != nil {
		return snap, boterrors.NewDataFetchError("bybit", "GetBalance", err)
	}
	for _, acct := range parsed.List {
		for _, c := range acct.Coin {
			free, _ := strconv.ParseFloat(c.AvailableToTrade, 64)
			locked, _ := strconv.ParseFloat(c.Locked, 64)
			snap.Free[c.Coin] = free
			snap.Locked[c.Coin] = locked
		}
	}
	return snap, nil
}

func (g *BybitGateway) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	var raw interface{}
	err := g.retryDo(ctx, "GetPositionInfo", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   symbol,
		}).GetPositionList(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, boterrors.NewDataFetchError("bybit", "GetPosition", err)
	}

	var parsed struct {
		List []struct {
			Symbol           string `json:"symbol"`
			Side             string `json:"side"`
			Size             string `json:"size"`
			AvgPrice         string `json:"avgPrice"`
			UnrealisedPnl    string `json:"unrealisedPnl"`
			Leverage         string `json:"leverage"`
			LiqPrice         string `json:"liqPrice"`
			PositionIM       string `json:"positionIM"`
			PositionMM       string `json:"positionMM"`
			TradeMode        int    `json:"tradeMode"`
		} `json:"list"`
	}
	if err := decodeResult(raw, &parsed); err != nil {
		return nil, boterrors.NewDataFetchError("bybit", "GetPosition", err)
	}
	for _, p := range parsed.List {
		if p.Symbol != symbol || p.Side == "" {
			continue
		}
		contracts, _ := strconv.ParseFloat(p.Size, 64)
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnrealisedPnl, 64)
		leverage, _ := strconv.ParseFloat(p.Leverage, 64)
		liq, _ := strconv.ParseFloat(p.LiqPrice, 64)
		mm, _ := strconv.ParseFloat(p.PositionMM, 64)
		side := types.PositionLong
		if p.Side == "Sell" {
			side = types.PositionShort
		}
		marginType := types.MarginIsolated
		if p.TradeMode == 0 {
			marginType = types.MarginCross
		}
		return &types.Position{
			Symbol: symbol, Side: side, Contracts: contracts, EntryPrice: entry,
			UnrealizedPnL: upnl, MarginType: marginType, Leverage: leverage,
			LiquidationPrice: liq, MaintenanceMargin: mm,
		}, nil
	}
	return nil, nil
}

func (g *BybitGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	var raw interface{}
	err := g.retryDo(ctx, "GetTickers", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   symbol,
		}).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return 0, boterrors.NewDataFetchError("bybit", "GetCurrentPrice", err)
	}
	var parsed struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decodeResult(raw, &parsed); err != nil || len(parsed.List) == 0 {
		return 0, boterrors.NewDataFetchError("bybit", "GetCurrentPrice", fmt.Errorf("no ticker data for %s", symbol))
	}
	price, _ := strconv.ParseFloat(parsed.List[0].LastPrice, 64)
	return price, nil
}

func (g *BybitGateway) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	side := "Buy"
	if !order.Side.IsBuy() {
		side = "Sell"
	}
	orderType := "Limit"
	if order.Type == types.OrderTypeMarket {
		orderType = "Market"
	}
	params := map[string]interface{}{
		"category":   category,
		"symbol":     order.Symbol,
		"side":       side,
		"orderType":  orderType,
		"qty":        strconv.FormatFloat(order.Contracts, 'f', -1, 64),
		"reduceOnly": order.ReduceOnly,
	}
	if orderType == "Limit" {
		params["price"] = strconv.FormatFloat(order.Price, 'f', -1, 64)
		params["timeInForce"] = "GTC"
	}

	var raw interface{}
	err := g.retryDo(ctx, "PlaceOrder", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, boterrors.Wrap(err, boterrors.CategoryOrder, "bybit", "PlaceOrder").
			WithContext("symbol", order.Symbol).WithContext("side", order.Side).WithContext("qty", order.Contracts)
	}

	var parsed struct {
		OrderID string `json:"orderId"`
	}
	if err := decodeResult(raw, &parsed); err != nil {
		return nil, boterrors.NewOrderError("bybit", "PlaceOrder", err)
	}
	placed := order
	placed.ID = parsed.OrderID
	placed.Status = types.OrderStatusOpen
	placed.CreatedAt = time.Now()
	return &placed, nil
}

func (g *BybitGateway) FetchOrder(ctx context.Context, orderID, symbol string) (*types.Order, error) {
	var raw interface{}
	err := g.retryDo(ctx, "GetOpenOrders", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   symbol,
			"orderId":  orderID,
		}).GetOpenOrders(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, boterrors.NewDataFetchError("bybit", "FetchOrder", err)
	}

	var parsed struct {
		List []struct {
			OrderID      string `json:"orderId"`
			OrderStatus  string `json:"orderStatus"`
			Price        string `json:"price"`
			AvgPrice     string `json:"avgPrice"`
			Qty          string `json:"qty"`
			CumExecQty   string `json:"cumExecQty"`
			CumExecFee   string `json:"cumExecFee"`
		} `json:"list"`
	}
	if err := decodeResult(raw, &parsed); err != nil || len(parsed.List) == 0 {
		return nil, boterrors.NewDataFetchError("bybit", "FetchOrder", fmt.Errorf("order %s not found", orderID))
	}
	o := parsed.List[0]
	price, _ := strconv.ParseFloat(o.Price, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	qty, _ := strconv.ParseFloat(o.Qty, 64)
	filled, _ := strconv.ParseFloat(o.CumExecQty, 64)
	fee, _ := strconv.ParseFloat(o.CumExecFee, 64)
	return &types.Order{
		ID: o.OrderID, Symbol: symbol, Status: mapBybitStatus(o.OrderStatus),
		Price: price, AvgPrice: avg, Contracts: qty, Filled: filled, Remaining: qty - filled, Fee: fee,
		UpdatedAt: time.Now(),
	}, nil
}

func (g *BybitGateway) CancelOrder(ctx context.Context, orderID, symbol string) (types.OrderStatus, error) {
	err := g.retryDo(ctx, "CancelOrder", func() error {
		_, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   symbol,
			"orderId":  orderID,
		}).CancelOrder(ctx)
		return err
	})
	if err != nil {
		return types.OrderStatusUnknown, boterrors.NewCancellationError("bybit", "CancelOrder", err)
	}
	return types.OrderStatusCanceled, nil
}

func (g *BybitGateway) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	var raw interface{}
	err := g.retryDo(ctx, "GetFundingRate", func() error {
		result, err := g.client.NewUtaBybitServiceWithParams(map[string]interface{}{
			"category": category,
			"symbol":   symbol,
		}).GetMarketTickers(ctx)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return 0, boterrors.NewDataFetchError("bybit", "GetFundingRate", err)
	}
	var parsed struct {
		List []struct {
			FundingRate string `json:"fundingRate"`
		} `json:"list"`
	}
	if err := decodeResult(raw, &parsed); err != nil || len(parsed.List) == 0 {
		return 0, boterrors.NewDataFetchError("bybit", "GetFundingRate", fmt.Errorf("no funding data for %s", symbol))
	}
	rate, _ := strconv.ParseFloat(parsed.List[0].FundingRate, 64)
	return rate, nil
}

// ListenToTickerUpdates streams last-trade prices over the public linear
// websocket, reconnecting on read errors with bounded exponential backoff.
// No client-side ping loop: the v5 public stream pings the client, not the
// reverse.
func (g *BybitGateway) ListenToTickerUpdates(ctx context.Context, symbol string, onPrice TickerCallback) error {
	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(g.cfg.WSBaseURL, nil)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, maxBackoff)
			continue
		}
		g.ws = conn
		backoff = time.Second

		sub := map[string]interface{}{"op": "subscribe", "args": []string{"tickers." + symbol}}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			continue
		}

		if streamErr := g.readTicks(ctx, conn, onPrice); streamErr != nil {
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
}

func (g *BybitGateway) readTicks(ctx context.Context, conn *websocket.Conn, onPrice TickerCallback) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg struct {
			Topic string `json:"topic"`
			Data  struct {
				LastPrice string `json:"lastPrice"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Data.LastPrice == "" {
			continue
		}
		price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
		if err != nil {
			continue
		}
		onPrice(price)
	}
}

func (g *BybitGateway) CloseConnection() error {
	if g.ws != nil {
		return g.ws.Close()
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func mapBybitStatus(s string) types.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return types.OrderStatusOpen
	case "PartiallyFilled":
		// A partially filled order is still OPEN with Filled > 0. No venue
		// status is mapped to OrderStatusPartial.
		return types.OrderStatusOpen
	case "Filled":
		return types.OrderStatusClosed
	case "Cancelled", "PartiallyFilledCanceled":
		return types.OrderStatusCanceled
	case "Rejected":
		return types.OrderStatusRejected
	case "Deactivated":
		return types.OrderStatusExpired
	default:
		return types.OrderStatusUnknown
	}
}

// envelope mirrors the "result" field every Bybit v5 response wraps its
// payload in.
type envelope struct {
	Result json.RawMessage `json:"result"`
}

// decodeResult re-marshals the SDK's generic response into dest by
// round-tripping through JSON and unwrapping the "result" envelope.
func decodeResult(raw interface{}, dest interface{}) error {
	if raw == nil {
		return fmt.Errorf("bybit: empty response")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Result, dest)
}
