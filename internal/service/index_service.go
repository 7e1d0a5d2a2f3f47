package service

import (
	"context"
	"fmt"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/stats"
	"github.com/britt/hivedb-sub003/internal/store"
	"go.uber.org/zap"
)

// SemaphoreSource reads the global hive semaphore.
type SemaphoreSource interface {
	GetSemaphore(ctx context.Context) (model.HiveSemaphore, error)
}

// IndexService is the write path application code uses to place keys. It
// refuses writes while the hive, an owning node or the key itself is
// read-only, and keeps the per-key statistics the balancer reads.
type IndexService struct {
	directory  store.Directory
	batch      *store.BatchIndexWriter
	statistics store.StatisticsStore
	semaphore  SemaphoreSource
	nodes      migration.NodeLookup
	counters   *stats.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewIndexService creates an index service for the dimension served by directory
func NewIndexService(
	directory store.Directory,
	statistics store.StatisticsStore,
	semaphore SemaphoreSource,
	nodes migration.NodeLookup,
	counters *stats.Registry,
	recorder *metrics.Metrics,
	logger *zap.Logger,
) *IndexService {
	return &IndexService{
		directory:  directory,
		batch:      store.NewBatchIndexWriter(directory, logger),
		statistics: statistics,
		semaphore:  semaphore,
		nodes:      nodes,
		counters:   counters,
		metrics:    recorder,
		logger:     logger,
	}
}

// Dimension returns the partition dimension of the service
func (s *IndexService) Dimension() *model.PartitionDimension {
	return s.directory.Dimension()
}

// GetNodesOfPrimaryIndexKey returns the nodes holding key.
func (s *IndexService) GetNodesOfPrimaryIndexKey(ctx context.Context, key any) ([]*model.Node, error) {
	ids, err := s.directory.GetNodeIDsOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, hiveerrors.KeyNotFound(s.Dimension().PrimaryTableName(), key)
	}
	return s.resolve(ctx, ids)
}

// GetNodesOfResourceID returns the nodes holding the primary key that owns id.
func (s *IndexService) GetNodesOfResourceID(ctx context.Context, resourceName string, id any) ([]*model.Node, error) {
	resource, err := s.resource(resourceName)
	if err != nil {
		return nil, err
	}
	semaphores, err := s.directory.GetKeySemaphoresOfResourceID(ctx, resource, id)
	if err != nil {
		return nil, err
	}
	if len(semaphores) == 0 {
		return nil, hiveerrors.KeyNotFound(resource.TableName(), id)
	}
	ids := make([]int, len(semaphores))
	for i, sem := range semaphores {
		ids[i] = sem.NodeID
	}
	return s.resolve(ctx, ids)
}

// InsertPrimaryIndexKey places key on node.
func (s *IndexService) InsertPrimaryIndexKey(ctx context.Context, nodeID int, key any) error {
	if err := s.checkHiveWritable(ctx); err != nil {
		return err
	}
	node, err := s.nodes.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.ReadOnly {
		return s.reject("node", node.Name)
	}
	err = s.directory.InsertPrimaryIndexKey(ctx, node, key)
	s.recordWrite("insert_primary_index_key", err)
	if err != nil {
		return err
	}
	s.logger.Debug("Primary index key placed",
		zap.Any("primary_key", key),
		zap.String("node", node.Name))
	return nil
}

// DeletePrimaryIndexKey removes key from the directory together with its statistics.
func (s *IndexService) DeletePrimaryIndexKey(ctx context.Context, key any) error {
	if err := s.checkKeyWritable(ctx, key); err != nil {
		return err
	}
	err := s.directory.DeletePrimaryIndexKey(ctx, key)
	s.recordWrite("delete_primary_index_key", err)
	if err != nil {
		return err
	}
	if err := s.statistics.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete statistics of %v: %w", key, err)
	}
	return nil
}

// UpdatePrimaryIndexKeyReadOnly sets or clears the write lock of key. It is the
// manual recovery path for a lock left behind by a crashed migration, so it
// is not itself subject to the key lock.
func (s *IndexService) UpdatePrimaryIndexKeyReadOnly(ctx context.Context, key any, readOnly bool) error {
	if err := s.checkHiveWritable(ctx); err != nil {
		return err
	}
	err := s.directory.UpdatePrimaryIndexKeyReadOnly(ctx, key, readOnly)
	s.recordWrite("update_primary_index_key_read_only", err)
	if err != nil {
		return err
	}
	s.logger.Info("Primary index key lock updated",
		zap.Any("primary_key", key),
		zap.Bool("read_only", readOnly))
	return nil
}

// InsertResourceID records that resource id belongs to primaryKey.
func (s *IndexService) InsertResourceID(ctx context.Context, resourceName string, id, primaryKey any) error {
	resource, err := s.resource(resourceName)
	if err != nil {
		return err
	}
	if err := s.checkKeyWritable(ctx, primaryKey); err != nil {
		return err
	}
	err = s.directory.InsertResourceID(ctx, resource, id, primaryKey)
	s.recordWrite("insert_resource_id", err)
	if err != nil {
		return err
	}
	return s.increment(ctx, primaryKey, 1)
}

// DeleteResourceID removes resource id and every secondary index key that
// points at it.
func (s *IndexService) DeleteResourceID(ctx context.Context, resourceName string, id any) error {
	resource, err := s.resource(resourceName)
	if err != nil {
		return err
	}
	primaryKey, err := s.directory.GetPrimaryIndexKeyOfResourceID(ctx, resource, id)
	if err != nil {
		return err
	}
	if err := s.checkKeyWritable(ctx, primaryKey); err != nil {
		return err
	}

	removed, err := s.batch.DeleteAllSecondaryIndexKeysOfResourceID(ctx, resource, id)
	s.recordWrite("delete_secondary_index_keys", err)
	if err != nil {
		return err
	}
	err = s.directory.DeleteResourceID(ctx, resource, id)
	s.recordWrite("delete_resource_id", err)
	if err != nil {
		return err
	}
	return s.decrement(ctx, primaryKey, removed+1)
}

// UpdatePrimaryIndexKeyOfResourceID moves resource id under newPrimaryKey.
// Both the current and the new owner must be writable.
func (s *IndexService) UpdatePrimaryIndexKeyOfResourceID(ctx context.Context, resourceName string, id, newPrimaryKey any) error {
	resource, err := s.resource(resourceName)
	if err != nil {
		return err
	}
	oldPrimaryKey, err := s.directory.GetPrimaryIndexKeyOfResourceID(ctx, resource, id)
	if err != nil {
		return err
	}
	if err := s.checkKeyWritable(ctx, oldPrimaryKey); err != nil {
		return err
	}
	if err := s.checkKeyWritable(ctx, newPrimaryKey); err != nil {
		return err
	}

	// Secondary index keys follow the resource to its new owner.
	moved, err := s.childRecords(ctx, resource, id)
	if err != nil {
		return err
	}
	err = s.directory.UpdatePrimaryIndexKeyOfResourceID(ctx, resource, id, newPrimaryKey)
	s.recordWrite("update_primary_index_key_of_resource_id", err)
	if err != nil {
		return err
	}
	if model.KeyString(oldPrimaryKey) == model.KeyString(newPrimaryKey) {
		return nil
	}
	if err := s.decrement(ctx, oldPrimaryKey, moved); err != nil {
		return err
	}
	return s.increment(ctx, newPrimaryKey, moved)
}

// childRecords counts the resource row plus its secondary index keys.
func (s *IndexService) childRecords(ctx context.Context, resource *model.Resource, id any) (int, error) {
	n := 1
	for _, index := range resource.SecondaryIndexes {
		keys, err := s.directory.GetSecondaryIndexKeysOfResourceID(ctx, index, id)
		if err != nil {
			return 0, err
		}
		n += len(keys)
	}
	return n, nil
}

// InsertSecondaryIndexKeys writes keys for resource id in one transaction.
// keys maps index column names to values.
func (s *IndexService) InsertSecondaryIndexKeys(ctx context.Context, resourceName string, id any, keys map[string][]any) (int, error) {
	resource, err := s.resource(resourceName)
	if err != nil {
		return 0, err
	}
	batch, err := s.indexKeys(resource, keys)
	if err != nil {
		return 0, err
	}
	primaryKey, err := s.directory.GetPrimaryIndexKeyOfResourceID(ctx, resource, id)
	if err != nil {
		return 0, err
	}
	if err := s.checkKeyWritable(ctx, primaryKey); err != nil {
		return 0, err
	}

	written, err := s.batch.InsertSecondaryIndexKeys(ctx, batch, id, primaryKey)
	s.recordWrite("insert_secondary_index_keys", err)
	if err != nil {
		return 0, err
	}
	return written, s.increment(ctx, primaryKey, written)
}

// DeleteSecondaryIndexKeys removes keys of resource id in one transaction.
func (s *IndexService) DeleteSecondaryIndexKeys(ctx context.Context, resourceName string, id any, keys map[string][]any) (int, error) {
	resource, err := s.resource(resourceName)
	if err != nil {
		return 0, err
	}
	batch, err := s.indexKeys(resource, keys)
	if err != nil {
		return 0, err
	}
	primaryKey, err := s.directory.GetPrimaryIndexKeyOfResourceID(ctx, resource, id)
	if err != nil {
		return 0, err
	}
	if err := s.checkKeyWritable(ctx, primaryKey); err != nil {
		return 0, err
	}

	removed, err := s.batch.DeleteSecondaryIndexKeys(ctx, batch, id)
	s.recordWrite("delete_secondary_index_keys", err)
	if err != nil {
		return 0, err
	}
	return removed, s.decrement(ctx, primaryKey, removed)
}

func (s *IndexService) resource(name string) (*model.Resource, error) {
	resource, ok := s.Dimension().Resource(name)
	if !ok {
		return nil, hiveerrors.InvalidArgument(fmt.Sprintf("unknown resource %q in dimension %s", name, s.Dimension().Name), nil)
	}
	return resource, nil
}

func (s *IndexService) indexKeys(resource *model.Resource, keys map[string][]any) (store.SecondaryIndexKeys, error) {
	batch := make(store.SecondaryIndexKeys, len(keys))
	for column, values := range keys {
		index, ok := resource.SecondaryIndex(column)
		if !ok {
			return nil, hiveerrors.InvalidArgument(fmt.Sprintf("unknown secondary index %s.%s", resource.Name, column), nil)
		}
		batch[index] = values
	}
	return batch, nil
}

func (s *IndexService) checkHiveWritable(ctx context.Context) error {
	semaphore, err := s.semaphore.GetSemaphore(ctx)
	if err != nil {
		return err
	}
	if semaphore.ReadOnly {
		return s.reject("hive", s.Dimension().Name)
	}
	return nil
}

// checkKeyWritable verifies the hive, every node holding key and key itself
// accept writes.
func (s *IndexService) checkKeyWritable(ctx context.Context, key any) error {
	if err := s.checkHiveWritable(ctx); err != nil {
		return err
	}
	semaphores, err := s.directory.GetKeySemaphoresOfPrimaryIndexKey(ctx, key)
	if err != nil {
		return err
	}
	if len(semaphores) == 0 {
		return hiveerrors.KeyNotFound(s.Dimension().PrimaryTableName(), key)
	}
	for _, sem := range semaphores {
		if sem.ReadOnly {
			return s.reject("key", key)
		}
		node, err := s.nodes.GetNode(ctx, sem.NodeID)
		if err != nil {
			return err
		}
		if node.ReadOnly {
			return s.reject("node", node.Name)
		}
	}
	return nil
}

func (s *IndexService) reject(subject string, key any) error {
	s.metrics.RecordReadOnlyRejection(subject)
	s.counters.Counter(stats.CounterReadOnlyRejections).Increment()
	s.logger.Warn("Write rejected by read-only lock",
		zap.String("subject", subject),
		zap.Any("key", key))
	return hiveerrors.ReadOnlyViolation(subject, key)
}

func (s *IndexService) recordWrite(operation string, err error) {
	s.metrics.RecordDirectoryOperation(operation, err)
	if err == nil {
		s.counters.Counter(stats.CounterDirectoryWrites).Increment()
	}
}

func (s *IndexService) increment(ctx context.Context, key any, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.statistics.IncrementChildRecordCount(ctx, key, n); err != nil {
		return fmt.Errorf("failed to increment statistics of %v: %w", key, err)
	}
	return nil
}

func (s *IndexService) decrement(ctx context.Context, key any, n int) error {
	if n <= 0 {
		return nil
	}
	if err := s.statistics.DecrementChildRecordCount(ctx, key, n); err != nil {
		return fmt.Errorf("failed to decrement statistics of %v: %w", key, err)
	}
	return nil
}

func (s *IndexService) resolve(ctx context.Context, ids []int) ([]*model.Node, error) {
	nodes := make([]*model.Node, 0, len(ids))
	for _, id := range ids {
		node, err := s.nodes.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}
