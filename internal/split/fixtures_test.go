package split_test

import (
	"fmt"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

var ordersTable = split.NewTableID("", "shop", "orders")

func ordersSchema() *split.SchemaSnapshot {
	return split.NewSchemaSnapshot(ordersTable, []split.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "amount", Type: "DECIMAL(10,2)", Nullable: true},
	}, []string{"id"}, split.SequenceOffset(1))
}

// finishedInfos returns n contiguous chunks of width 250 with increasing watermarks.
func finishedInfos(n int) []*split.FinishedSnapshotSplitInfo {
	infos := make([]*split.FinishedSnapshotSplitInfo, n)
	for i := range infos {
		var start, end split.Key
		if i > 0 {
			start = split.MustKey(i*250 + 1)
		}
		if i < n-1 {
			end = split.MustKey((i+1)*250 + 1)
		}
		infos[i] = split.NewFinishedSnapshotSplitInfo(
			fmt.Sprintf("shop.orders:%d", i), ordersTable, start, end,
			split.SequenceOffset(10*i+10), split.SequenceOffset(10*i+15), ordersSchema())
	}
	return infos
}

func newStreamSplit(infos []*split.FinishedSnapshotSplitInfo, total int) *split.StreamSplit {
	s, err := split.NewStreamSplit("stream-split", split.SequenceOffset(10), nil, infos,
		map[split.TableID]*split.SchemaSnapshot{ordersTable: ordersSchema()}, total, false)
	if err != nil {
		panic(err)
	}
	return s
}
