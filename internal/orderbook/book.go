// Package orderbook is the in-memory index over every order the engine has
// placed, bucketed by side/intent and cross-indexed to the grid level that
// placed it.
package orderbook

import (
	"fmt"
	"sync"

	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
)

// Bucket identifies one of the four side/intent combinations an order can
// belong to, plus the conditional (stop/take-profit) bucket.
type Bucket string

const (
	BucketLongOpen    Bucket = "LONG_OPEN"
	BucketLongClose   Bucket = "LONG_CLOSE"
	BucketShortOpen   Bucket = "SHORT_OPEN"
	BucketShortClose  Bucket = "SHORT_CLOSE"
	BucketConditional Bucket = "CONDITIONAL"
)

func bucketFor(o *types.Order) Bucket {
	switch o.Type {
	case types.OrderTypeStopMarket, types.OrderTypeStopLimit, types.OrderTypeTakeProfitMarket, types.OrderTypeTakeProfitLimit, types.OrderTypeTrailingStop:
		return BucketConditional
	}
	switch o.Side {
	case types.SideBuyOpen:
		return BucketLongOpen
	case types.SideSellClose:
		return BucketLongClose
	case types.SideSellOpen:
		return BucketShortOpen
	case types.SideBuyClose:
		return BucketShortClose
	default:
		return BucketConditional
	}
}

// Book indexes every known Order by bucket and by id, and cross-references
// grid-originated orders to their grid level so the order manager can
// resolve which level a fill belonged to in O(1). The status tracker's
// poll loop mutates it from concurrent per-order goroutines, so every
// operation is a critical section under one mutex.
type Book struct {
	mu        sync.RWMutex
	buckets   map[Bucket]map[string]*types.Order
	byID      map[string]*types.Order
	gridLevel map[string]int // order id -> grid level id, grid-originated orders only
	nonGrid   map[string]*types.Order
}

// New creates an empty Book.
func New() *Book {
	b := &Book{
		buckets:   make(map[Bucket]map[string]*types.Order),
		byID:      make(map[string]*types.Order),
		gridLevel: make(map[string]int),
		nonGrid:   make(map[string]*types.Order),
	}
	for _, k := range []Bucket{BucketLongOpen, BucketLongClose, BucketShortOpen, BucketShortClose, BucketConditional} {
		b.buckets[k] = make(map[string]*types.Order)
	}
	return b
}

// Add records a newly placed order. If levelID is non-nil the order is
// cross-indexed to that grid level; pass nil for orders the grid manager
// did not originate (e.g. a manually placed reduce-only stop).
func (b *Book) Add(o *types.Order, levelID *int) error {
	if o == nil || o.ID == "" {
		return fmt.Errorf("orderbook: order must have a non-empty ID")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byID[o.ID]; exists {
		return fmt.Errorf("orderbook: order %s already indexed", o.ID)
	}
	bucket := bucketFor(o)
	b.buckets[bucket][o.ID] = o
	b.byID[o.ID] = o
	if levelID != nil {
		b.gridLevel[o.ID] = *levelID
	} else {
		b.nonGrid[o.ID] = o
	}
	return nil
}

// UpdateStatus applies a status transition reported by the gateway or the
// status tracker, mutating the order in place so every bucket/index sees
// the update through the same backing pointer.
func (b *Book) UpdateStatus(orderID string, status types.OrderStatus, filled, avgPrice, fee float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[orderID]
	if !ok {
		return fmt.Errorf("orderbook: unknown order %s", orderID)
	}
	o.Status = status
	o.Filled = filled
	o.AvgPrice = avgPrice
	o.Fee = fee
	o.Remaining = o.Contracts - filled
	return nil
}

// Get returns the order for id, or false if unknown.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[orderID]
	return o, ok
}

// GridLevelFor returns the grid level id an order was placed from, or false
// if the order was not grid-originated.
func (b *Book) GridLevelFor(orderID string) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.gridLevel[orderID]
	return id, ok
}

// Open returns every non-terminal order in bucket.
func (b *Book) Open(bucket Bucket) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.openLocked(bucket)
}

func (b *Book) openLocked(bucket Bucket) []*types.Order {
	var out []*types.Order
	for _, o := range b.buckets[bucket] {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// AllOpen returns every non-terminal order across all buckets, used by the
// status tracker's polling loop.
func (b *Book) AllOpen() []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*types.Order
	for _, bucket := range b.buckets {
		for _, o := range bucket {
			if !o.Status.IsTerminal() {
				out = append(out, o)
			}
		}
	}
	return out
}

// Completed returns every terminal order in bucket.
func (b *Book) Completed(bucket Bucket) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*types.Order
	for _, o := range b.buckets[bucket] {
		if o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	return out
}

// Count returns the number of open orders in bucket, scanning the bucket
// under the read lock.
func (b *Book) Count(bucket Bucket) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.openLocked(bucket))
}
