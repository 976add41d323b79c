package split_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/philippevezina/hybrid-cdc/internal/split"
)

func TestIsCompletedSplit(t *testing.T) {
	infos := finishedInfos(4)

	for n := 0; n < 4; n++ {
		assert.False(t, newStreamSplit(infos[:n], 4).IsCompletedSplit(), "finished=%d", n)
	}
	assert.True(t, newStreamSplit(infos, 4).IsCompletedSplit())
}

func TestAppendFinishedSplitInfos(t *testing.T) {
	infos := finishedInfos(4)
	s := newStreamSplit(infos[:2], 4)

	appended := split.AppendFinishedSplitInfos(s, infos[1:])

	require.Equal(t, 4, appended.FinishedSplitCount())
	ids := make([]string, 0, 4)
	for _, info := range appended.FinishedSnapshotSplitInfos() {
		ids = append(ids, info.SplitID())
	}
	assert.Equal(t, []string{"shop.orders:0", "shop.orders:1", "shop.orders:2", "shop.orders:3"}, ids)
	assert.Equal(t, s.TotalFinishedSplitSize(), appended.TotalFinishedSplitSize())
	assert.Equal(t, s.IsSuspended(), appended.IsSuspended())
	assert.True(t, split.OffsetsEqual(s.StartingOffset(), appended.StartingOffset()))
	assert.Nil(t, appended.EndingOffset())
	assert.True(t, appended.IsCompletedSplit())

	// the input split is untouched
	assert.Equal(t, 2, s.FinishedSplitCount())
}

func TestTransitionsCopyInputs(t *testing.T) {
	infos := finishedInfos(3)
	input := []*split.FinishedSnapshotSplitInfo{infos[0]}
	s := newStreamSplit(nil, 3)

	appended := split.AppendFinishedSplitInfos(s, input)
	input[0] = infos[2]
	assert.Equal(t, "shop.orders:0", appended.FinishedSnapshotSplitInfos()[0].SplitID())

	returned := appended.FinishedSnapshotSplitInfos()
	returned[0] = infos[1]
	assert.Equal(t, "shop.orders:0", appended.FinishedSnapshotSplitInfos()[0].SplitID())

	schemas := map[split.TableID]*split.SchemaSnapshot{}
	filled := split.FillTableSchemas(s, schemas)
	schemas[split.NewTableID("", "shop", "customers")] = ordersSchema()
	assert.Len(t, filled.TableSchemas(), 1)
}

func TestFillTableSchemas(t *testing.T) {
	customers := split.NewTableID("", "shop", "customers")
	customersSchema := split.NewSchemaSnapshot(customers, []split.Column{{Name: "id", Type: "INT"}}, []string{"id"}, nil)
	s := newStreamSplit(finishedInfos(1), 1)

	filled := split.FillTableSchemas(s, map[split.TableID]*split.SchemaSnapshot{customers: customersSchema})

	require.Len(t, filled.TableSchemas(), 2)
	got, ok := filled.TableSchema(customers)
	require.True(t, ok)
	assert.True(t, got.Equal(customersSchema))
	assert.Equal(t, 1, filled.FinishedSplitCount())
}

func TestToSuspendedStreamSplit(t *testing.T) {
	s := split.WithStartingOffset(newStreamSplit(finishedInfos(4), 4), split.SequenceOffset(99))

	suspended := split.ToSuspendedStreamSplit(s)

	assert.True(t, suspended.IsSuspended())
	assert.Empty(t, suspended.FinishedSnapshotSplitInfos())
	assert.Empty(t, suspended.TableSchemas())
	assert.Equal(t, 4, suspended.TotalFinishedSplitSize())
	assert.Equal(t, split.SequenceOffset(99), suspended.StartingOffset())
	assert.Equal(t, s.SplitID(), suspended.SplitID())
	assert.False(t, suspended.IsCompletedSplit())
}

func TestToNormalStreamSplit(t *testing.T) {
	suspended := split.ToSuspendedStreamSplit(newStreamSplit(finishedInfos(4), 4))

	normal := split.ToNormalStreamSplit(suspended, 6)

	assert.False(t, normal.IsSuspended())
	assert.Equal(t, 6, normal.TotalFinishedSplitSize())
	assert.Equal(t, suspended.StartingOffset(), normal.StartingOffset())
	assert.Equal(t, suspended.EndingOffset(), normal.EndingOffset())

	resumed := split.AppendFinishedSplitInfos(normal, finishedInfos(4))
	assert.False(t, resumed.IsCompletedSplit())
}

func TestNewStreamSplitValidation(t *testing.T) {
	tests := []struct {
		name    string
		build   func() (*split.StreamSplit, error)
		wantErr string
	}{
		{
			name: "suspended with finished splits",
			build: func() (*split.StreamSplit, error) {
				return split.NewStreamSplit("s", split.SequenceOffset(1), nil, finishedInfos(1), nil, 1, true)
			},
			wantErr: "suspended",
		},
		{
			name: "starting after ending",
			build: func() (*split.StreamSplit, error) {
				return split.NewStreamSplit("s", split.SequenceOffset(9), split.SequenceOffset(3), nil, nil, 0, false)
			},
			wantErr: "after ending offset",
		},
		{
			name: "missing id",
			build: func() (*split.StreamSplit, error) {
				return split.NewStreamSplit("", nil, nil, nil, nil, 0, false)
			},
			wantErr: "id is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
