package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/britt/hivedb-sub003/internal/balancer"
	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/service"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockExecutor is a mock implementation of migration.Executor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Migrate(ctx context.Context, key any, destinationNodeIDs []int) error {
	args := m.Called(key, destinationNodeIDs)
	return args.Error(0)
}

type testServer struct {
	router   *mux.Router
	dir      *store.MemoryDirectory
	queue    *migration.MemoryJobQueue
	executor *MockExecutor
	counters *stats.Registry
	data1    *model.Node

	dimensions map[string]*Dimension
}

// newTestServer serves two dimensions: "continent" keyed by VARCHAR with
// "Asia" on data1 and "region" keyed by INTEGER.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	recorder := metrics.NewMetrics(prometheus.NewRegistry())
	counters := stats.NewRegistry(time.Minute, time.Second)

	meta := store.NewMemoryMetadataStore()
	data1 := &model.Node{Name: "data1", URI: "postgres://data1", Capacity: 4, PartitionDimensionID: 1}
	data2 := &model.Node{Name: "data2", URI: "postgres://data2", Capacity: 4, PartitionDimensionID: 1}
	require.NoError(t, meta.AddNode(ctx, data1))
	require.NoError(t, meta.AddNode(ctx, data2))

	continent := &model.PartitionDimension{ID: 1, Name: "continent", ColumnType: model.ColumnTypeVarchar}
	region := &model.PartitionDimension{ID: 2, Name: "region", ColumnType: model.ColumnTypeInteger}

	nodes := store.NewNodeCache(meta, time.Hour)
	queue := migration.NewMemoryJobQueue(16)
	executor := new(MockExecutor)
	cfg := balancer.DefaultEstimatorConfig()
	cfg.SafeFillLevel = 0.5

	dimensions := make(map[string]*Dimension)
	var continentDir *store.MemoryDirectory
	for _, d := range []*model.PartitionDimension{continent, region} {
		dir := store.NewMemoryDirectory(d, data1, data2)
		statistics := store.NewMemoryStatisticsStore(d, dir)
		dimensions[d.Name] = &Dimension{
			Index:    service.NewIndexService(dir, statistics, meta, nodes, counters, recorder, logger),
			Balance:  service.NewBalanceService(d, meta, statistics, balancer.NewMigrationEstimator(cfg), queue, time.Hour, counters, recorder, logger),
			Migrator: executor,
		}
		if d == continent {
			continentDir = dir
			for _, key := range []string{"Asia", "Europe"} {
				require.NoError(t, dir.InsertPrimaryIndexKey(ctx, data1, key))
				require.NoError(t, statistics.IncrementChildRecordCount(ctx, key, 2))
			}
		}
	}

	router := mux.NewRouter()
	NewAdminHandler(dimensions, nodes, counters, time.Minute, logger).Register(router)

	return &testServer{router: router, dir: continentDir, queue: queue, executor: executor, counters: counters, data1: data1, dimensions: dimensions}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestAdminHandler_GetKeyNodes(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/dimensions/continent/keys/Asia/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp KeyNodesResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "continent", resp.Dimension)
	assert.Equal(t, "Asia", resp.PrimaryIndexKey)
	require.Len(t, resp.Nodes, 1)
	assert.Equal(t, "data1", resp.Nodes[0].Name)
	assert.Equal(t, "postgres://data1", resp.Nodes[0].URI)
}

func TestAdminHandler_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"unknown key", http.MethodGet, "/dimensions/continent/keys/Oceania/nodes", http.StatusNotFound, "KEY_NOT_FOUND"},
		{"unknown dimension", http.MethodGet, "/dimensions/planet/keys/Earth/nodes", http.StatusNotFound, "KEY_NOT_FOUND"},
		{"malformed integer key", http.MethodGet, "/dimensions/region/keys/north/nodes", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown route", http.MethodGet, "/nodes", http.StatusNotFound, "INVALID_ARGUMENT"},
		{"wrong method", http.MethodDelete, "/counters", http.StatusMethodNotAllowed, "INVALID_ARGUMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, rec.Code)
			resp := decodeError(t, rec)
			assert.Equal(t, "error", resp.Status)
			assert.Equal(t, tt.code, resp.ErrorCode)
		})
	}
}

func TestAdminHandler_MigrateKey(t *testing.T) {
	s := newTestServer(t)
	s.executor.On("Migrate", "Asia", []int{2}).Return(nil).Once()

	rec := s.do(t, http.MethodPost, "/dimensions/continent/keys/Asia/migrate", MigrateRequest{DestinationNodeIDs: []int{2}})
	assert.Equal(t, http.StatusOK, rec.Code)
	s.executor.AssertExpectations(t)
}

func TestAdminHandler_MigrateKeyFailure(t *testing.T) {
	s := newTestServer(t)
	failure := hiveerrors.MigrationFailed(string(model.MigrationPhaseCopy), "Asia", []string{"data2"}, "records may be orphaned on the destination", nil)
	s.executor.On("Migrate", "Asia", []int{2}).Return(failure).Once()

	rec := s.do(t, http.MethodPost, "/dimensions/continent/keys/Asia/migrate", MigrateRequest{DestinationNodeIDs: []int{2}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decodeError(t, rec)
	assert.Equal(t, "MIGRATION_FAILED", resp.ErrorCode)
	assert.Equal(t, string(model.MigrationPhaseCopy), resp.Phase)
	assert.Contains(t, resp.Message, "data2")
}

func TestAdminHandler_MigrateKeyRequiresDestinations(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/dimensions/continent/keys/Asia/migrate", MigrateRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/dimensions/continent/keys/Asia/migrate", map[string]any{"destinations": []int{2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.executor.AssertNotCalled(t, "Migrate", mock.Anything, mock.Anything)
}

func TestAdminHandler_MigrateKeyWithoutMigrator(t *testing.T) {
	s := newTestServer(t)
	s.dimensions["continent"].Migrator = nil

	rec := s.do(t, http.MethodPost, "/dimensions/continent/keys/Asia/migrate", MigrateRequest{DestinationNodeIDs: []int{2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "not configured")
}

func TestAdminHandler_UpdateKeyReadOnly(t *testing.T) {
	s := newTestServer(t)
	locked := true

	rec := s.do(t, http.MethodPut, "/dimensions/continent/keys/Asia/read-only", ReadOnlyRequest{ReadOnly: &locked})
	require.Equal(t, http.StatusNoContent, rec.Code)

	readOnly, err := s.dir.GetReadOnlyOfPrimaryIndexKey(context.Background(), "Asia")
	require.NoError(t, err)
	assert.True(t, readOnly)

	rec = s.do(t, http.MethodPut, "/dimensions/continent/keys/Asia/read-only", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminHandler_UpdateNodeReadOnly(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	index := s.dimensions["continent"].Index
	path := fmt.Sprintf("/nodes/%d/read-only", s.data1.ID)

	rec := s.do(t, http.MethodGet, "/dimensions/continent/keys/Asia/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	locked := true
	rec = s.do(t, http.MethodPut, path, ReadOnlyRequest{ReadOnly: &locked})
	require.Equal(t, http.StatusOK, rec.Code)
	var node NodeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&node))
	assert.Equal(t, "data1", node.Name)
	assert.True(t, node.ReadOnly)

	err := index.InsertPrimaryIndexKey(ctx, s.data1.ID, "Africa")
	assert.ErrorIs(t, err, hiveerrors.ErrReadOnly, "cached node must not hide the new lock")

	unlocked := false
	rec = s.do(t, http.MethodPut, path, ReadOnlyRequest{ReadOnly: &unlocked})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, index.InsertPrimaryIndexKey(ctx, s.data1.ID, "Africa"))

	rec = s.do(t, http.MethodPut, "/nodes/abc/read-only", ReadOnlyRequest{ReadOnly: &locked})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(t, http.MethodPut, "/nodes/999/read-only", ReadOnlyRequest{ReadOnly: &locked})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, http.MethodPut, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminHandler_PlanAndBalance(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(t, http.MethodGet, "/dimensions/continent/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var plan PlanResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
	assert.False(t, plan.Enqueued)
	assert.Len(t, plan.Migrations, 1)

	n, err := s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rec = s.do(t, http.MethodPost, "/dimensions/continent/balance", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&plan))
	assert.True(t, plan.Enqueued)
	assert.Len(t, plan.Migrations, 1)

	n, err = s.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdminHandler_Counters(t *testing.T) {
	s := newTestServer(t)
	s.counters.Counter(stats.CounterMigrationsSucceeded).Increment()

	rec := s.do(t, http.MethodGet, "/counters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counters []stats.CounterSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&counters))
	require.Len(t, counters, 1)
	assert.Equal(t, stats.CounterMigrationsSucceeded, counters[0].Name)
	assert.Equal(t, int64(1), counters[0].Sum)
}

func TestAdminHandler_ListDimensions(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/dimensions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []string{"continent", "region"}, resp["dimensions"])
}
