// Package monitoring exposes Prometheus metrics and an HTTP health
// endpoint for the grid engine: order-flow counters, margin and
// account-value gauges, grid-level state counts, and latency histograms.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ducminhle1904/perp-grid-bot/internal/balance"
	"github.com/ducminhle1904/perp-grid-bot/internal/eventbus"
	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

var (
	OrdersPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_placed_total",
			Help: "Total number of orders placed by the grid engine",
		},
		[]string{"symbol", "side"},
	)

	OrdersFilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_filled_total",
			Help: "Total number of orders observed as filled",
		},
		[]string{"symbol", "side"},
	)

	OrdersCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_orders_cancelled_total",
			Help: "Total number of orders cancelled or rejected before fill",
		},
		[]string{"symbol"},
	)

	ValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridbot_validation_rejections_total",
			Help: "Total number of orders rejected or downsized by the validator",
		},
		[]string{"symbol", "reason"},
	)

	MarginRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_margin_ratio",
			Help: "Current margin ratio (total margin / total notional)",
		},
		[]string{"symbol"},
	)

	AccountValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_account_value_usd",
			Help: "Current total margin balance in quote currency",
		},
		[]string{"symbol"},
	)

	GridLevelState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridbot_grid_level_state_count",
			Help: "Number of grid levels currently in each cycle state",
		},
		[]string{"symbol", "state"},
	)

	OrderRoundTrip = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbot_order_round_trip_seconds",
			Help:    "Latency between order submission and a terminal status observed by the status tracker",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"symbol", "type"},
	)

	ExchangeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridbot_exchange_latency_seconds",
			Help:    "Exchange API response latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"exchange", "endpoint"},
	)
)

// Recorder implements the controller.Metrics interface over the
// account-value and margin-ratio gauges for the symbol the bot trades.
type Recorder struct {
	symbol string
}

// NewRecorder builds a Recorder scoped to symbol.
func NewRecorder(symbol string) *Recorder {
	return &Recorder{symbol: symbol}
}

// RecordSample updates the per-tick gauges.
func (r *Recorder) RecordSample(accountValue, price, marginRatio float64) {
	AccountValue.WithLabelValues(r.symbol).Set(accountValue)
	MarginRatio.WithLabelValues(r.symbol).Set(marginRatio)
}

// ObserveBus wires the order-flow counters and the round-trip histogram to
// the engine's event bus, so every component's placements/fills/cancels are
// counted without the components knowing about Prometheus.
func ObserveBus(bus *eventbus.Bus, symbol string) {
	bus.Subscribe(eventbus.OrderPlaced, func(payload any) {
		if o, ok := payload.(*types.Order); ok {
			OrdersPlaced.WithLabelValues(symbol, string(o.Side)).Inc()
		}
	})
	bus.Subscribe(eventbus.OrderFilled, func(payload any) {
		evt, ok := payload.(balance.FillEvent)
		if !ok || evt.Order == nil {
			return
		}
		OrdersFilled.WithLabelValues(symbol, string(evt.Order.Side)).Inc()
		if !evt.Order.CreatedAt.IsZero() {
			OrderRoundTrip.WithLabelValues(symbol, string(evt.Order.Type)).Observe(time.Since(evt.Order.CreatedAt).Seconds())
		}
	})
	bus.Subscribe(eventbus.OrderCancelled, func(payload any) {
		OrdersCancelled.WithLabelValues(symbol).Inc()
	})
}
