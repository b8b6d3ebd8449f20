package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthChecker serves a liveness/readiness endpoint: degraded when
// disconnected or stale, unhealthy once errors have accumulated.
type HealthChecker struct {
	mu          sync.RWMutex
	lastTick    time.Time
	lastPrice   float64
	isConnected bool
	errors      []string
	startTime   time.Time
}

// HealthStatus is the JSON body served at the health endpoint.
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LastTick    time.Time `json:"last_tick"`
	LastPrice   float64   `json:"last_price"`
	IsConnected bool      `json:"is_connected"`
	Uptime      string    `json:"uptime"`
	Errors      []string  `json:"errors,omitempty"`
}

// NewHealthChecker creates a HealthChecker with the clock started now.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{errors: make([]string, 0), startTime: time.Now()}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if !h.isConnected || time.Since(h.lastTick) > 5*time.Minute {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if len(h.errors) > 0 {
		status = "unhealthy"
		w.WriteHeader(http.StatusInternalServerError)
	}

	json.NewEncoder(w).Encode(HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		LastTick:    h.lastTick,
		LastPrice:   h.lastPrice,
		IsConnected: h.isConnected,
		Uptime:      time.Since(h.startTime).String(),
		Errors:      h.errors,
	})
}

// SetConnected updates the gateway connection status.
func (h *HealthChecker) SetConnected(connected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isConnected = connected
}

// RecordSample implements controller.Metrics, marking the tick as
// observed for the staleness check above.
func (h *HealthChecker) RecordSample(accountValue, price, marginRatio float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastTick = time.Now()
	h.lastPrice = price
}

// AddError appends an error, keeping only the most recent 10.
func (h *HealthChecker) AddError(err string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
	if len(h.errors) > 10 {
		h.errors = h.errors[len(h.errors)-10:]
	}
}
