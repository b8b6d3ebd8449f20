// Package eventbus implements the typed publish/subscribe bus that couples
// the grid engine's components without them holding references to each
// other. Delivery for one event kind is synchronous and one-at-a-time, in
// subscriber registration order; different kinds may interleave.
package eventbus

import "sync"

// Kind identifies an event type on the bus.
type Kind string

const (
	StopBot            Kind = "STOP_BOT"
	StartBot           Kind = "START_BOT"
	OrderPlaced        Kind = "ORDER_PLACED"
	OrderFilled        Kind = "ORDER_FILLED"
	OrderCancelled     Kind = "ORDER_CANCELLED"
	OrderFailed        Kind = "ORDER_FAILED"
	PositionUpdate     Kind = "POSITION_UPDATE"
	ADLTriggered       Kind = "ADL_TRIGGERED"
	LiquidationWarning Kind = "LIQUIDATION_WARNING"
	FundingFee         Kind = "FUNDING_FEE"
	FundingFeeCharged  Kind = "FUNDING_FEE_CHARGED"
	FundingFeeSettled  Kind = "FUNDING_FEE_SETTLED"
	MarginCall         Kind = "MARGIN_CALL"
	MarginRisk         Kind = "MARGIN_RISK"
)

// Handler reacts to an event payload. Handlers run to completion before the
// next event of the same Kind is dispatched; the bus never invokes a
// handler concurrently with itself or with another handler of the same
// Kind.
type Handler func(payload any)

// Bus is a component-scoped (not global) event bus: the entrypoint
// constructs one and passes it explicitly to every component that needs to
// publish or subscribe.
type Bus struct {
	mu          sync.Mutex
	subscribers map[Kind][]Handler
	delivery    map[Kind]*sync.Mutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[Kind][]Handler),
		delivery:    make(map[Kind]*sync.Mutex),
	}
}

// Subscribe registers handler to run, in registration order, whenever kind
// is published.
func (b *Bus) Subscribe(kind Kind, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], handler)
}

// Publish delivers payload synchronously to every subscriber of kind, in
// registration order. A per-kind delivery lock serializes concurrent
// publishers of the same kind, so a handler always runs to completion
// before the next event of that kind is dispatched; events of different
// kinds may still interleave.
func (b *Bus) Publish(kind Kind, payload any) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subscribers[kind]))
	copy(handlers, b.subscribers[kind])
	lock, ok := b.delivery[kind]
	if !ok {
		lock = &sync.Mutex{}
		b.delivery[kind] = lock
	}
	b.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
