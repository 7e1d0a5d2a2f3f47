package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/britt/hivedb-sub003/internal/balancer"
	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockNodeLister is a mock implementation of NodeLister
type MockNodeLister struct {
	mock.Mock
}

func (m *MockNodeLister) ListNodes(ctx context.Context, dimensionID int) ([]*model.Node, error) {
	args := m.Called(ctx, dimensionID)
	nodes, _ := args.Get(0).([]*model.Node)
	return nodes, args.Error(1)
}

type balanceFixture struct {
	meta     *store.MemoryMetadataStore
	dir      *store.MemoryDirectory
	stats    *store.MemoryStatisticsStore
	queue    *migration.MemoryJobQueue
	counters *stats.Registry
	dim      *model.PartitionDimension
	data1    *model.Node
	data2    *model.Node
}

// Two nodes of capacity 4. data1 holds two keys of two records each, data2 is empty.
func newBalanceFixture(t *testing.T) *balanceFixture {
	t.Helper()
	ctx := context.Background()

	meta := store.NewMemoryMetadataStore()
	data1 := &model.Node{Name: "data1", Capacity: 4, PartitionDimensionID: 1}
	data2 := &model.Node{Name: "data2", Capacity: 4, PartitionDimensionID: 1}
	require.NoError(t, meta.AddNode(ctx, data1))
	require.NoError(t, meta.AddNode(ctx, data2))

	dim := testDimension()
	dir := store.NewMemoryDirectory(dim, data1, data2)
	statistics := store.NewMemoryStatisticsStore(dim, dir)
	for _, key := range []string{"k1", "k2"} {
		require.NoError(t, dir.InsertPrimaryIndexKey(ctx, data1, key))
		require.NoError(t, statistics.IncrementChildRecordCount(ctx, key, 2))
	}

	return &balanceFixture{
		meta:     meta,
		dir:      dir,
		stats:    statistics,
		queue:    migration.NewMemoryJobQueue(16),
		counters: stats.NewRegistry(time.Minute, time.Second),
		dim:      dim,
		data1:    data1,
		data2:    data2,
	}
}

func (f *balanceFixture) service(nodes NodeLister, safeFillLevel float64) *BalanceService {
	cfg := balancer.DefaultEstimatorConfig()
	cfg.SafeFillLevel = safeFillLevel
	return NewBalanceService(f.dim, nodes, f.stats, balancer.NewMigrationEstimator(cfg), f.queue,
		time.Hour, f.counters, metrics.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
}

func TestBalanceService_BalanceEnqueuesPlan(t *testing.T) {
	f := newBalanceFixture(t)
	ctx := context.Background()

	moves, err := f.service(f.meta, 0.5).Balance(ctx)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	assert.Equal(t, f.data1.ID, moves[0].OriginNodeID)
	assert.Equal(t, []int{f.data2.ID}, moves[0].DestinationNodeIDs)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queued, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, moves[0].MigrationID, queued.MigrationID)
	assert.Equal(t, int64(1), f.counters.Counter(stats.CounterPlannedMoves).Sum())
}

func TestBalanceService_BalancedHiveEnqueuesNothing(t *testing.T) {
	f := newBalanceFixture(t)
	ctx := context.Background()

	moves, err := f.service(f.meta, 1.0).Balance(ctx)
	require.NoError(t, err)
	assert.Empty(t, moves)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBalanceService_PlanDoesNotEnqueue(t *testing.T) {
	f := newBalanceFixture(t)
	ctx := context.Background()

	moves, err := f.service(f.meta, 0.5).Plan(ctx)
	require.NoError(t, err)
	assert.Len(t, moves, 1)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBalanceService_NoCapacityFailsPlanning(t *testing.T) {
	f := newBalanceFixture(t)
	ctx := context.Background()
	require.NoError(t, f.meta.UpdateNodeReadOnly(ctx, f.data2.ID, true))

	_, err := f.service(f.meta, 0.5).Balance(ctx)
	assert.ErrorIs(t, err, hiveerrors.ErrPlanning)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBalanceService_ListNodesFailure(t *testing.T) {
	f := newBalanceFixture(t)
	ctx := context.Background()

	lister := new(MockNodeLister)
	lister.On("ListNodes", ctx, 1).Return(nil, errors.New("connection refused"))

	_, err := f.service(lister, 0.5).Plan(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	lister.AssertExpectations(t)
}

func TestBalanceService_RunStopsOnCancel(t *testing.T) {
	f := newBalanceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.service(f.meta, 0.5).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("balance loop did not stop")
	}
}
