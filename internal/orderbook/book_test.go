package orderbook

import (
	"testing"

	"github.com/ducminhle1904/perp-grid-bot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id string, side types.Side, status types.OrderStatus) *types.Order {
	return &types.Order{ID: id, Side: side, Status: status, Type: types.OrderTypeLimit, Contracts: 1}
}

func TestAdd_RejectsDuplicateID(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil))
	err := b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil)
	assert.Error(t, err)
}

func TestAdd_BucketsBySideAndTracksGridLevel(t *testing.T) {
	b := New()
	level := 3
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), &level))

	assert.Len(t, b.Open(BucketLongOpen), 1)
	id, ok := b.GridLevelFor("o1")
	require.True(t, ok)
	assert.Equal(t, 3, id)
}

func TestAdd_NonGridOrderHasNoLevel(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil))
	_, ok := b.GridLevelFor("o1")
	assert.False(t, ok)
}

func TestUpdateStatus_MovesOrderOutOfOpenOnceTerminal(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil))
	require.NoError(t, b.UpdateStatus("o1", types.OrderStatusClosed, 1, 100, 0.01))

	assert.Len(t, b.Open(BucketLongOpen), 0)
	assert.Len(t, b.Completed(BucketLongOpen), 1)
}

func TestUpdateStatus_UnknownOrderErrors(t *testing.T) {
	b := New()
	err := b.UpdateStatus("missing", types.OrderStatusClosed, 1, 100, 0)
	assert.Error(t, err)
}

func TestBucketFor_ConditionalOrderTypesAreSeparated(t *testing.T) {
	b := New()
	stop := newOrder("o1", types.SideSellClose, types.OrderStatusOpen)
	stop.Type = types.OrderTypeStopMarket
	require.NoError(t, b.Add(stop, nil))

	assert.Len(t, b.Open(BucketConditional), 1)
	assert.Len(t, b.Open(BucketShortClose), 0)
}

func TestCount_ReflectsOnlyOpenOrders(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil))
	require.NoError(t, b.Add(newOrder("o2", types.SideBuyOpen, types.OrderStatusClosed), nil))
	assert.Equal(t, 1, b.Count(BucketLongOpen))
}

func TestAllOpen_SpansBuckets(t *testing.T) {
	b := New()
	require.NoError(t, b.Add(newOrder("o1", types.SideBuyOpen, types.OrderStatusOpen), nil))
	require.NoError(t, b.Add(newOrder("o2", types.SideSellOpen, types.OrderStatusOpen), nil))
	assert.Len(t, b.AllOpen(), 2)
}
