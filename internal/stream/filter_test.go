package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/hybrid-cdc/internal/common"
	"github.com/philippevezina/hybrid-cdc/internal/split"
	"github.com/philippevezina/hybrid-cdc/internal/stream"
)

var (
	orders    = split.NewTableID("", "shop", "orders")
	customers = split.NewTableID("", "shop", "customers")
)

func info(id string, start, end split.Key, low, high uint64) *split.FinishedSnapshotSplitInfo {
	return split.NewFinishedSnapshotSplitInfo(id, orders, start, end,
		split.SequenceOffset(low), split.SequenceOffset(high), nil)
}

// three chunks of shop.orders: [, 10) high 5, [10, 20) high 8, [20, ) high 3
func threeChunks() []*split.FinishedSnapshotSplitInfo {
	return []*split.FinishedSnapshotSplitInfo{
		info("shop.orders:1", split.MustKey(10), split.MustKey(20), 4, 8),
		info("shop.orders:0", nil, split.MustKey(10), 1, 5),
		info("shop.orders:2", split.MustKey(20), nil, 2, 3),
	}
}

func update(table split.TableID, oldKey, newKey int, offset uint64) *common.Event {
	return &common.Event{
		Type:   common.EventTypeUpdate,
		Table:  table,
		Key:    split.MustKey(newKey),
		OldKey: split.MustKey(oldKey),
		Offset: split.SequenceOffset(offset),
		Data:   map[string]interface{}{"id": newKey},
	}
}

func TestFilterPerKeyWatermarks(t *testing.T) {
	filter, err := stream.NewWatermarkFilter(threeChunks(), nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		event   *common.Event
		forward bool
	}{
		{"first chunk at its high watermark", update(orders, 5, 5, 5), false},
		{"first chunk past its high watermark", update(orders, 5, 5, 6), true},
		{"middle chunk inside its window", update(orders, 15, 15, 7), false},
		{"middle chunk at its lower bound", update(orders, 10, 10, 8), false},
		{"middle chunk past its high watermark", update(orders, 15, 15, 9), true},
		{"open last chunk", update(orders, 1000, 1000, 4), true},
		{"table without chunks", update(customers, 5, 5, 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := filter.Filter(tt.event)
			require.NoError(t, err)
			if tt.forward {
				assert.Same(t, tt.event, out)
			} else {
				assert.Nil(t, out)
			}
		})
	}
}

func TestFilterMovedKeys(t *testing.T) {
	filter, err := stream.NewWatermarkFilter(threeChunks(), nil)
	require.NoError(t, err)

	t.Run("new key needs the update", func(t *testing.T) {
		e := update(orders, 15, 5, 6)
		out, err := filter.Filter(e)
		require.NoError(t, err)
		assert.Same(t, e, out)
	})

	t.Run("only old key needs it", func(t *testing.T) {
		e := update(orders, 5, 15, 7)
		out, err := filter.Filter(e)
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, common.EventTypeDelete, out.Type)
		assert.Equal(t, split.MustKey(5), out.Key)
		assert.Nil(t, out.OldKey)
		assert.Nil(t, out.Data)
		assert.Equal(t, common.EventTypeUpdate, e.Type, "input must not be modified")
	})

	t.Run("both sides covered", func(t *testing.T) {
		out, err := filter.Filter(update(orders, 5, 15, 3))
		require.NoError(t, err)
		assert.Nil(t, out)
	})
}

func TestFilterPureStreamingIsOneWay(t *testing.T) {
	filter, err := stream.NewWatermarkFilter(threeChunks(), nil)
	require.NoError(t, err)
	assert.False(t, filter.IsPureStreaming())
	assert.Equal(t, split.SequenceOffset(8), filter.MaxHighWatermark())

	switched, err := filter.Advance(split.SequenceOffset(8))
	require.NoError(t, err)
	assert.False(t, switched)

	switched, err = filter.Advance(split.SequenceOffset(9))
	require.NoError(t, err)
	assert.True(t, switched)
	assert.True(t, filter.IsPureStreaming())

	switched, err = filter.Advance(split.SequenceOffset(2))
	require.NoError(t, err)
	assert.False(t, switched)

	// an event that would have been covered is forwarded now
	e := update(orders, 5, 5, 2)
	out, err := filter.Filter(e)
	require.NoError(t, err)
	assert.Same(t, e, out)
}

func TestFilterWithoutChunksStartsPure(t *testing.T) {
	filter, err := stream.NewWatermarkFilter(nil, nil)
	require.NoError(t, err)
	assert.True(t, filter.IsPureStreaming())
	assert.Nil(t, filter.MaxHighWatermark())
}

func TestFilterPassesDDL(t *testing.T) {
	filter, err := stream.NewWatermarkFilter(threeChunks(), nil)
	require.NoError(t, err)

	ddl := &common.Event{Type: common.EventTypeDDL, Table: orders, Offset: split.SequenceOffset(1), SQL: "ALTER TABLE orders ADD note TEXT"}
	out, err := filter.Filter(ddl)
	require.NoError(t, err)
	assert.Same(t, ddl, out)
}
