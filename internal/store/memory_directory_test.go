package store

import (
	"context"
	"testing"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDimension() *model.PartitionDimension {
	order := &model.Resource{
		ID:         2,
		Name:       "order",
		ColumnType: model.ColumnTypeBigint,
	}
	order.SecondaryIndexes = []*model.SecondaryIndex{
		{ID: 1, Name: "customer", ColumnType: model.ColumnTypeVarchar, ResourceID: order.ID, ResourceName: order.Name},
		{ID: 2, Name: "sku", ColumnType: model.ColumnTypeVarchar, ResourceID: order.ID, ResourceName: order.Name},
	}
	continent := &model.Resource{
		ID:                     1,
		Name:                   "continent",
		ColumnType:             model.ColumnTypeVarchar,
		IsPartitioningResource: true,
	}
	return &model.PartitionDimension{
		ID:         1,
		Name:       "continent",
		ColumnType: model.ColumnTypeVarchar,
		Resources:  []*model.Resource{continent, order},
	}
}

func testNodes() (*model.Node, *model.Node) {
	return &model.Node{ID: 1, Name: "data1", URI: "postgres://data1", Capacity: 100},
		&model.Node{ID: 2, Name: "data2", URI: "postgres://data2", Capacity: 100}
}

func TestMemoryDirectory_PrimaryIndexRoundTrip(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dir := NewMemoryDirectory(testDimension(), n1)

	exists, err := dir.DoesPrimaryIndexKeyExist(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))

	exists, err = dir.DoesPrimaryIndexKeyExist(ctx, "Asia")
	require.NoError(t, err)
	assert.True(t, exists)

	ids, err := dir.GetNodeIDsOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids)

	readOnly, err := dir.GetReadOnlyOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, readOnly)

	require.NoError(t, dir.DeletePrimaryIndexKey(ctx, "Asia"))
	exists, err = dir.DoesPrimaryIndexKeyExist(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryDirectory_InsertPrimaryIndexKey_Idempotent(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dir := NewMemoryDirectory(testDimension(), n1)

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))

	semaphores, err := dir.GetKeySemaphoresOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	assert.Len(t, semaphores, 1)
}

func TestMemoryDirectory_InsertPrimaryIndexKey_UnknownNode(t *testing.T) {
	ctx := context.Background()
	n1, n2 := testNodes()
	dir := NewMemoryDirectory(testDimension(), n1)

	err := dir.InsertPrimaryIndexKey(ctx, n2, "Asia")
	require.Error(t, err)
	assert.ErrorIs(t, err, hiveerrors.ErrStorage)
}

func TestMemoryDirectory_DeleteAbsentKeyIsNoop(t *testing.T) {
	dir := NewMemoryDirectory(testDimension())
	assert.NoError(t, dir.DeletePrimaryIndexKey(context.Background(), "Atlantis"))
}

func TestMemoryDirectory_ReadOnlyOfMissingKey(t *testing.T) {
	dir := NewMemoryDirectory(testDimension())

	_, err := dir.GetReadOnlyOfPrimaryIndexKey(context.Background(), "Atlantis")
	require.Error(t, err)
	assert.ErrorIs(t, err, hiveerrors.ErrKeyNotFound)

	err = dir.UpdatePrimaryIndexKeyReadOnly(context.Background(), "Atlantis", true)
	assert.ErrorIs(t, err, hiveerrors.ErrKeyNotFound)
}

func TestMemoryDirectory_ReadOnlyAppliesToEverySemaphore(t *testing.T) {
	ctx := context.Background()
	n1, n2 := testNodes()
	dir := NewMemoryDirectory(testDimension(), n1, n2)

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n2, "Asia"))
	require.NoError(t, dir.UpdatePrimaryIndexKeyReadOnly(ctx, "Asia", true))

	semaphores, err := dir.GetKeySemaphoresOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	assert.Equal(t, []model.KeySemaphore{{NodeID: 1, ReadOnly: true}, {NodeID: 2, ReadOnly: true}}, semaphores)

	require.NoError(t, dir.UpdatePrimaryIndexKeyReadOnly(ctx, "Asia", false))
	readOnly, err := dir.GetReadOnlyOfPrimaryIndexKey(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, readOnly)
}

func TestMemoryDirectory_ResourceAndSecondaryIndex(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dim := testDimension()
	dir := NewMemoryDirectory(dim, n1)
	order, _ := dim.Resource("order")
	customer, _ := order.SecondaryIndex("customer")

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertResourceID(ctx, order, int64(7), "Asia"))
	_, err := dir.InsertSecondaryIndexKey(ctx, customer, "alice", int64(7), "Asia")
	require.NoError(t, err)

	key, err := dir.GetPrimaryIndexKeyOfResourceID(ctx, order, int64(7))
	require.NoError(t, err)
	assert.Equal(t, "Asia", key)

	ids, err := dir.GetResourceIDsOfPrimaryIndexKey(ctx, order, "Asia")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7)}, ids)

	exists, err := dir.DoesSecondaryIndexKeyExist(ctx, customer, "alice", int64(7))
	require.NoError(t, err)
	assert.True(t, exists)

	nodeIDs, err := dir.GetNodeIDsOfSecondaryIndexKey(ctx, customer, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, nodeIDs)

	keys, err := dir.GetPrimaryIndexKeysOfSecondaryIndexKey(ctx, customer, "alice")
	require.NoError(t, err)
	assert.Equal(t, []any{"Asia"}, keys)

	values, err := dir.GetSecondaryIndexKeysOfResourceID(ctx, customer, int64(7))
	require.NoError(t, err)
	assert.Equal(t, []any{"alice"}, values)

	readOnly, err := dir.GetReadOnlyOfResourceID(ctx, order, int64(7))
	require.NoError(t, err)
	assert.False(t, readOnly)

	_, err = dir.GetPrimaryIndexKeyOfResourceID(ctx, order, int64(8))
	assert.ErrorIs(t, err, hiveerrors.ErrKeyNotFound)

	err = dir.InsertResourceID(ctx, order, int64(7), "Asia")
	assert.ErrorIs(t, err, hiveerrors.ErrStorage)
}

func TestMemoryDirectory_PartitioningResourceIsPrimaryKey(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dim := testDimension()
	dir := NewMemoryDirectory(dim, n1)
	continent, _ := dim.Resource("continent")

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertResourceID(ctx, continent, "Asia", "Asia"))

	key, err := dir.GetPrimaryIndexKeyOfResourceID(ctx, continent, "Asia")
	require.NoError(t, err)
	assert.Equal(t, "Asia", key)

	exists, err := dir.DoesResourceIDExist(ctx, continent, "Asia")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMemoryDirectory_UpdatePrimaryIndexKeyOfResourceID(t *testing.T) {
	ctx := context.Background()
	n1, n2 := testNodes()
	dim := testDimension()
	dir := NewMemoryDirectory(dim, n1, n2)
	order, _ := dim.Resource("order")
	customer, _ := order.SecondaryIndex("customer")

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n2, "Europe"))
	require.NoError(t, dir.InsertResourceID(ctx, order, int64(7), "Asia"))
	_, err := dir.InsertSecondaryIndexKey(ctx, customer, "alice", int64(7), "Asia")
	require.NoError(t, err)

	require.NoError(t, dir.UpdatePrimaryIndexKeyOfResourceID(ctx, order, int64(7), "Europe"))

	nodeIDs, err := dir.GetNodeIDsOfSecondaryIndexKey(ctx, customer, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, nodeIDs)
}

func TestMemoryDirectory_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dir := NewMemoryDirectory(testDimension(), n1)

	err := dir.InTx(ctx, func(w IndexWriter) error {
		if err := w.InsertPrimaryIndexKey(ctx, n1, "Asia"); err != nil {
			return err
		}
		return hiveerrors.Storage("boom", nil)
	})
	require.Error(t, err)

	exists, err := dir.DoesPrimaryIndexKeyExist(ctx, "Asia")
	require.NoError(t, err)
	assert.False(t, exists)
}
