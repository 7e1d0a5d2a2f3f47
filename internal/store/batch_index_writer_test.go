package store

import (
	"context"
	"testing"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBatchIndexWriter_InsertAndDelete(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dim := testDimension()
	dir := NewMemoryDirectory(dim, n1)
	order, _ := dim.Resource("order")
	customer, _ := order.SecondaryIndex("customer")
	sku, _ := order.SecondaryIndex("sku")
	writer := NewBatchIndexWriter(dir, zap.NewNop())

	require.NoError(t, dir.InsertPrimaryIndexKey(ctx, n1, "Asia"))
	require.NoError(t, dir.InsertResourceID(ctx, order, int64(7), "Asia"))

	keys := SecondaryIndexKeys{
		customer: {"alice"},
		sku:      {"sku-1", "sku-2"},
	}
	written, err := writer.InsertSecondaryIndexKeys(ctx, keys, int64(7), "Asia")
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	removed, err := writer.DeleteSecondaryIndexKeys(ctx, SecondaryIndexKeys{sku: {"sku-1", "missing"}}, int64(7))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = writer.DeleteAllSecondaryIndexKeysOfResourceID(ctx, order, int64(7))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	values, err := dir.GetSecondaryIndexKeysOfResourceID(ctx, customer, int64(7))
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestBatchIndexWriter_FailureRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	n1, _ := testNodes()
	dim := testDimension()
	dir := NewMemoryDirectory(dim, n1)
	order, _ := dim.Resource("order")
	customer, _ := order.SecondaryIndex("customer")
	unknown := &model.SecondaryIndex{Name: "ghost", ResourceName: "order"}
	writer := NewBatchIndexWriter(dir, zap.NewNop())

	keys := SecondaryIndexKeys{
		customer: {"alice", "bob"},
		unknown:  {"x"},
	}
	written, err := writer.InsertSecondaryIndexKeys(ctx, keys, int64(7), "Asia")
	require.Error(t, err)
	assert.ErrorIs(t, err, hiveerrors.ErrStorage)
	assert.Contains(t, err.Error(), "rolled back")
	assert.Zero(t, written)

	for _, v := range []string{"alice", "bob"} {
		exists, err := dir.DoesSecondaryIndexKeyExist(ctx, customer, v, int64(7))
		require.NoError(t, err)
		assert.False(t, exists, v)
	}
}

func TestSecondaryIndexKeys_Count(t *testing.T) {
	a := &model.SecondaryIndex{Name: "a"}
	b := &model.SecondaryIndex{Name: "b"}
	assert.Equal(t, 0, SecondaryIndexKeys{}.Count())
	assert.Equal(t, 3, SecondaryIndexKeys{a: {1, 2}, b: {3}}.Count())
}
