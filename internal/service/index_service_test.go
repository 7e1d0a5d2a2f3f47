package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDimension() *model.PartitionDimension {
	order := &model.Resource{ID: 2, Name: "order", PartitionDimensionID: 1, ColumnType: model.ColumnTypeBigint}
	order.SecondaryIndexes = []*model.SecondaryIndex{
		{ID: 1, Name: "customer", ColumnType: model.ColumnTypeVarchar, ResourceID: order.ID, ResourceName: order.Name},
	}
	return &model.PartitionDimension{
		ID:         1,
		Name:       "continent",
		ColumnType: model.ColumnTypeVarchar,
		Resources:  []*model.Resource{order},
	}
}

type indexFixture struct {
	meta       *store.MemoryMetadataStore
	dir        *store.MemoryDirectory
	statistics *store.MemoryStatisticsStore
	counters   *stats.Registry
	service    *IndexService
	data1      *model.Node
	data2      *model.Node
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	ctx := context.Background()

	meta := store.NewMemoryMetadataStore()
	nodes := make([]*model.Node, 2)
	for i := range nodes {
		nodes[i] = &model.Node{Name: fmt.Sprintf("data%d", i+1), Capacity: 100, PartitionDimensionID: 1}
		require.NoError(t, meta.AddNode(ctx, nodes[i]))
	}

	dim := testDimension()
	dir := store.NewMemoryDirectory(dim, nodes...)
	statistics := store.NewMemoryStatisticsStore(dim, dir)
	counters := stats.NewRegistry(time.Minute, time.Second)
	svc := NewIndexService(dir, statistics, meta, meta, counters, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	return &indexFixture{
		meta:       meta,
		dir:        dir,
		statistics: statistics,
		counters:   counters,
		service:    svc,
		data1:      nodes[0],
		data2:      nodes[1],
	}
}

func (f *indexFixture) childRecords(t *testing.T, key any) int {
	t.Helper()
	stat, err := f.statistics.FindByPrimaryIndexKey(context.Background(), key)
	require.NoError(t, err)
	return stat.ChildRecordCount
}

func TestIndexService_StatisticsFollowWrites(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))
	assert.Equal(t, 1, f.childRecords(t, "Asia"))

	written, err := f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{
		"customer": {"alice", "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 3, f.childRecords(t, "Asia"))

	nodes, err := f.service.GetNodesOfResourceID(ctx, "order", int64(10))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "data1", nodes[0].Name)

	require.NoError(t, f.service.DeleteResourceID(ctx, "order", int64(10)))
	assert.Equal(t, 0, f.childRecords(t, "Asia"))

	customer, _ := testDimension().Resources[0].SecondaryIndex("customer")
	exists, err := f.dir.DoesSecondaryIndexKeyExist(ctx, customer, "alice", int64(10))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, int64(5), f.counters.Counter(stats.CounterDirectoryWrites).Sum())
}

func TestIndexService_ReinsertedSecondaryKeyCountedOnce(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))

	written, err := f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice"}})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	for i := 0; i < 2; i++ {
		written, err = f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice"}})
		require.NoError(t, err)
		assert.Equal(t, 0, written)
	}
	written, err = f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice", "alice"}})
	require.NoError(t, err)
	assert.Equal(t, 0, written)

	assert.Equal(t, 2, f.childRecords(t, "Asia"))

	removed, err := f.service.DeleteSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice"}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, f.childRecords(t, "Asia"))
}

func TestIndexService_DeleteSecondaryIndexKeys(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))
	_, err := f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice", "bob"}})
	require.NoError(t, err)

	removed, err := f.service.DeleteSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice", "carol"}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, f.childRecords(t, "Asia"))
}

func TestIndexService_UpdatePrimaryIndexKeyOfResourceID(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data2.ID, "Europe"))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))
	_, err := f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"customer": {"alice"}})
	require.NoError(t, err)

	require.NoError(t, f.service.UpdatePrimaryIndexKeyOfResourceID(ctx, "order", int64(10), "Europe"))

	assert.Equal(t, 0, f.childRecords(t, "Asia"))
	assert.Equal(t, 2, f.childRecords(t, "Europe"))

	nodes, err := f.service.GetNodesOfResourceID(ctx, "order", int64(10))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "data2", nodes[0].Name)
}

func TestIndexService_ReadOnlyKeyRejectsWrites(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.UpdatePrimaryIndexKeyReadOnly(ctx, "Asia", true))

	err := f.service.InsertResourceID(ctx, "order", int64(10), "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly)
	assert.Equal(t, hiveerrors.ErrCodeReadOnlyViolation, hiveerrors.GetCode(err))

	err = f.service.DeletePrimaryIndexKey(ctx, "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly)
	assert.Equal(t, int64(2), f.counters.Counter(stats.CounterReadOnlyRejections).Sum())

	exists, err := f.dir.DoesResourceIDExist(ctx, testDimension().Resources[0], int64(10))
	require.NoError(t, err)
	assert.False(t, exists)

	// Clearing the lock restores writes.
	require.NoError(t, f.service.UpdatePrimaryIndexKeyReadOnly(ctx, "Asia", false))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))
}

func TestIndexService_ReadOnlyNodeRejectsWrites(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.meta.UpdateNodeReadOnly(ctx, f.data1.ID, true))

	err := f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Africa")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly)

	err = f.service.InsertResourceID(ctx, "order", int64(10), "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly)

	// Other nodes still accept keys.
	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data2.ID, "Africa"))
}

func TestIndexService_ReadOnlyHiveRejectsWrites(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	_, err := f.meta.UpdateSemaphore(ctx, true)
	require.NoError(t, err)

	err = f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly)

	exists, err := f.dir.DoesPrimaryIndexKeyExist(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIndexService_InvalidArguments(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertResourceID(ctx, "order", int64(10), "Asia"))

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "unknown resource",
			call: func() error { return f.service.InsertResourceID(ctx, "invoice", 1, "Asia") },
			want: hiveerrors.ErrInvalidArgument,
		},
		{
			name: "unknown secondary index",
			call: func() error {
				_, err := f.service.InsertSecondaryIndexKeys(ctx, "order", int64(10), map[string][]any{"sku": {"x"}})
				return err
			},
			want: hiveerrors.ErrInvalidArgument,
		},
		{
			name: "unknown primary key",
			call: func() error { return f.service.InsertResourceID(ctx, "order", int64(11), "Oceania") },
			want: hiveerrors.ErrKeyNotFound,
		},
		{
			name: "unknown resource id",
			call: func() error { return f.service.DeleteResourceID(ctx, "order", int64(99)) },
			want: hiveerrors.ErrKeyNotFound,
		},
		{
			name: "unknown node",
			call: func() error { return f.service.InsertPrimaryIndexKey(ctx, 42, "Africa") },
			want: hiveerrors.ErrKeyNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.want)
		})
	}
}

func TestIndexService_GetNodesOfPrimaryIndexKey(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	_, err := f.service.GetNodesOfPrimaryIndexKey(ctx, "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrKeyNotFound)

	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data1.ID, "Asia"))
	require.NoError(t, f.service.InsertPrimaryIndexKey(ctx, f.data2.ID, "Asia"))

	nodes, err := f.service.GetNodesOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.ElementsMatch(t, []string{"data1", "data2"}, []string{nodes[0].Name, nodes[1].Name})
}
