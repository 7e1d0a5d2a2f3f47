package store

import (
	"context"
	"fmt"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"go.uber.org/zap"
)

// SecondaryIndexKeys maps each secondary index to the key values of one resource instance.
type SecondaryIndexKeys map[*model.SecondaryIndex][]any

// Count returns the total number of key values.
func (k SecondaryIndexKeys) Count() int {
	n := 0
	for _, keys := range k {
		n += len(keys)
	}
	return n
}

// BatchIndexWriter groups secondary index mutations of one resource instance
// into a single directory transaction. Either every statement applies or none does.
type BatchIndexWriter struct {
	directory Directory
	logger    *zap.Logger
}

// NewBatchIndexWriter creates a batch writer over directory
func NewBatchIndexWriter(directory Directory, logger *zap.Logger) *BatchIndexWriter {
	return &BatchIndexWriter{directory: directory, logger: logger}
}

// InsertSecondaryIndexKeys inserts every key of keys for resourceID, owned by
// primaryKey, and returns the number of rows created. Keys already present
// for resourceID are repointed and not counted.
func (b *BatchIndexWriter) InsertSecondaryIndexKeys(ctx context.Context, keys SecondaryIndexKeys, resourceID, primaryKey any) (int, error) {
	written := 0
	err := b.directory.InTx(ctx, func(w IndexWriter) error {
		for index, values := range keys {
			for _, v := range values {
				inserted, err := w.InsertSecondaryIndexKey(ctx, index, v, resourceID, primaryKey)
				if err != nil {
					return err
				}
				if inserted {
					written++
				}
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("Secondary index batch insert rolled back",
			zap.Any("resource_id", resourceID),
			zap.Int("keys", keys.Count()),
			zap.Error(err))
		return 0, wrapBatch("insert secondary index keys", err)
	}
	return written, nil
}

// DeleteSecondaryIndexKeys removes every key of keys for resourceID and returns
// the number of rows removed.
func (b *BatchIndexWriter) DeleteSecondaryIndexKeys(ctx context.Context, keys SecondaryIndexKeys, resourceID any) (int, error) {
	var removed int64
	err := b.directory.InTx(ctx, func(w IndexWriter) error {
		for index, values := range keys {
			for _, v := range values {
				n, err := w.DeleteSecondaryIndexKey(ctx, index, v, resourceID)
				if err != nil {
					return err
				}
				removed += n
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("Secondary index batch delete rolled back",
			zap.Any("resource_id", resourceID),
			zap.Error(err))
		return 0, wrapBatch("delete secondary index keys", err)
	}
	return int(removed), nil
}

// DeleteAllSecondaryIndexKeysOfResourceID removes the entries of every secondary
// index of resource for id and returns the total rows affected.
func (b *BatchIndexWriter) DeleteAllSecondaryIndexKeysOfResourceID(ctx context.Context, resource *model.Resource, id any) (int, error) {
	var removed int64
	err := b.directory.InTx(ctx, func(w IndexWriter) error {
		for _, index := range resource.SecondaryIndexes {
			n, err := w.DeleteSecondaryIndexKeysOfResourceID(ctx, index, id)
			if err != nil {
				return err
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapBatch(fmt.Sprintf("delete all secondary index keys of %s %v", resource.Name, id), err)
	}
	return int(removed), nil
}

func wrapBatch(operation string, err error) error {
	if hiveerrors.GetCode(err) == hiveerrors.ErrCodeStorage {
		return hiveerrors.Storage(operation+" (rolled back)", err)
	}
	return err
}
