package chunk_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/philippevezina/hybrid-cdc/internal/chunk"
	"github.com/philippevezina/hybrid-cdc/internal/split"
)

// sliceStats serves statistics from a sorted list of keys.
type sliceStats struct {
	keys []split.Key
}

func newSliceStats(keys ...split.Key) *sliceStats {
	sort.Slice(keys, func(i, j int) bool { return split.DefaultComparator.Compare(keys[i], keys[j]) < 0 })
	return &sliceStats{keys: keys}
}

func (s *sliceStats) RowCount(context.Context, split.TableID) (int64, error) {
	return int64(len(s.keys)), nil
}

func (s *sliceStats) KeyRange(context.Context, split.TableID, string) (any, any, error) {
	if len(s.keys) == 0 {
		return nil, nil, nil
	}
	return s.keys[0][0], s.keys[len(s.keys)-1][0], nil
}

func (s *sliceStats) NextChunkEnd(_ context.Context, _ split.TableID, _ []string, start split.Key, chunkSize int) (split.Key, error) {
	i := 0
	if start != nil {
		i = sort.Search(len(s.keys), func(i int) bool { return split.DefaultComparator.Compare(s.keys[i], start) >= 0 })
	}
	if i+chunkSize >= len(s.keys) {
		return nil, nil
	}
	return s.keys[i+chunkSize], nil
}

var table = split.NewTableID("", "shop", "orders")

func schemaWithKey(columns ...string) *split.SchemaSnapshot {
	cols := make([]split.Column, len(columns))
	for i, c := range columns {
		cols[i] = split.Column{Name: c, Type: "BIGINT"}
	}
	return split.NewSchemaSnapshot(table, cols, columns, nil)
}

func sequentialKeys(from, to int) []split.Key {
	keys := make([]split.Key, 0, to-from+1)
	for i := from; i <= to; i++ {
		keys = append(keys, split.MustKey(i))
	}
	return keys
}

func TestSplitEvenlyDistributedKeys(t *testing.T) {
	splitter := chunk.NewSplitter(newSliceStats(sequentialKeys(1, 1000)...), chunk.DefaultOptions(), zap.NewNop())

	splits, err := splitter.Split(context.Background(), schemaWithKey("id"), 250)
	require.NoError(t, err)
	require.Len(t, splits, 4)

	want := []struct{ start, end split.Key }{
		{nil, split.MustKey(251)},
		{split.MustKey(251), split.MustKey(501)},
		{split.MustKey(501), split.MustKey(751)},
		{split.MustKey(751), nil},
	}
	for i, s := range splits {
		assert.Equal(t, chunk.SplitID(table, i), s.SplitID())
		assert.Equal(t, want[i].start, s.Start(), "chunk %d start", i)
		assert.Equal(t, want[i].end, s.End(), "chunk %d end", i)
		assert.Equal(t, []string{"id"}, s.KeyColumns())
	}
}

func TestSplitIsDeterministic(t *testing.T) {
	stats := newSliceStats(sequentialKeys(1, 1000)...)
	splitter := chunk.NewSplitter(stats, chunk.DefaultOptions(), zap.NewNop())

	first, err := splitter.Split(context.Background(), schemaWithKey("id"), 300)
	require.NoError(t, err)
	second, err := splitter.Split(context.Background(), schemaWithKey("id"), 300)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].Equal(second[i]))
	}
}

func TestSplitSparseKeysFallsBackToSampling(t *testing.T) {
	keys := []split.Key{split.MustKey(1), split.MustKey(2), split.MustKey(3), split.MustKey(1_000_000), split.MustKey(2_000_000)}
	splitter := chunk.NewSplitter(newSliceStats(keys...), chunk.DefaultOptions(), zap.NewNop())

	splits, err := splitter.Split(context.Background(), schemaWithKey("id"), 2)
	require.NoError(t, err)
	require.Len(t, splits, 3)
	assert.Equal(t, split.MustKey(3), splits[0].End())
	assert.Equal(t, split.MustKey(2_000_000), splits[1].End())
	assert.Nil(t, splits[2].End())
}

func TestSplitCompositeKeys(t *testing.T) {
	var keys []split.Key
	for _, tenant := range []string{"acme", "globex", "initech"} {
		for i := 1; i <= 4; i++ {
			keys = append(keys, split.MustKey(tenant, i))
		}
	}
	splitter := chunk.NewSplitter(newSliceStats(keys...), chunk.DefaultOptions(), zap.NewNop())

	splits, err := splitter.Split(context.Background(), schemaWithKey("tenant", "id"), 5)
	require.NoError(t, err)
	require.Len(t, splits, 3)

	// every key belongs to exactly one chunk
	for _, k := range keys {
		owners := 0
		for _, s := range splits {
			if s.Contains(split.DefaultComparator, k) {
				owners++
			}
		}
		assert.Equal(t, 1, owners, "key %s", k)
	}
}

func TestSplitEmptyTable(t *testing.T) {
	splitter := chunk.NewSplitter(newSliceStats(), chunk.DefaultOptions(), zap.NewNop())

	splits, err := splitter.Split(context.Background(), schemaWithKey("id"), 100)
	require.NoError(t, err)
	assert.Empty(t, splits)
}

func TestSplitSingleChunk(t *testing.T) {
	splitter := chunk.NewSplitter(newSliceStats(sequentialKeys(1, 10)...), chunk.DefaultOptions(), zap.NewNop())

	splits, err := splitter.Split(context.Background(), schemaWithKey("id"), 100)
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Nil(t, splits[0].Start())
	assert.Nil(t, splits[0].End())
}

func TestSplitRequiresPrimaryKey(t *testing.T) {
	splitter := chunk.NewSplitter(newSliceStats(sequentialKeys(1, 10)...), chunk.DefaultOptions(), zap.NewNop())

	_, err := splitter.Split(context.Background(), split.NewSchemaSnapshot(table, nil, nil, nil), 100)
	assert.Error(t, err)
}
