package store

import (
	"context"

	"github.com/britt/hivedb-sub003/internal/model"
)

// NodeResolver is the read side of the directory. Every call is a single
// non-transactional read; callers must not assume snapshot isolation across calls.
type NodeResolver interface {
	DoesPrimaryIndexKeyExist(ctx context.Context, key any) (bool, error)
	GetNodeIDsOfPrimaryIndexKey(ctx context.Context, key any) ([]int, error)
	GetKeySemaphoresOfPrimaryIndexKey(ctx context.Context, key any) ([]model.KeySemaphore, error)
	// GetReadOnlyOfPrimaryIndexKey fails with KeyNotFound when the key has no semaphores.
	GetReadOnlyOfPrimaryIndexKey(ctx context.Context, key any) (bool, error)

	DoesSecondaryIndexKeyExist(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (bool, error)
	GetNodeIDsOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]int, error)
	GetKeySemaphoresOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]model.KeySemaphore, error)
	GetPrimaryIndexKeysOfSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key any) ([]any, error)
	GetSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) ([]any, error)

	DoesResourceIDExist(ctx context.Context, resource *model.Resource, id any) (bool, error)
	// GetPrimaryIndexKeyOfResourceID fails with KeyNotFound when the id is unknown.
	GetPrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id any) (any, error)
	GetResourceIDsOfPrimaryIndexKey(ctx context.Context, resource *model.Resource, key any) ([]any, error)
	GetKeySemaphoresOfResourceID(ctx context.Context, resource *model.Resource, id any) ([]model.KeySemaphore, error)
	GetReadOnlyOfResourceID(ctx context.Context, resource *model.Resource, id any) (bool, error)
}

// IndexWriter is the mutation side of the directory.
type IndexWriter interface {
	// InsertPrimaryIndexKey is idempotent per (key, node) and fails with a
	// storage error when the node is unknown.
	InsertPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error
	// InsertLockedPrimaryIndexKey is InsertPrimaryIndexKey with the semaphore
	// already read-only, so the key is never observable unlocked.
	InsertLockedPrimaryIndexKey(ctx context.Context, node *model.Node, key any) error
	// DeletePrimaryIndexKey removes every semaphore of key; absent keys are a no-op.
	DeletePrimaryIndexKey(ctx context.Context, key any) error
	// UpdatePrimaryIndexKeyReadOnly sets the advisory write lock on every semaphore of key.
	UpdatePrimaryIndexKeyReadOnly(ctx context.Context, key any, readOnly bool) error
	// LockPrimaryIndexKey sets the write lock only if no semaphore of key holds
	// it. It fails with KeyNotFound when the key is absent and with
	// ReadOnlyViolation when the key is already locked.
	LockPrimaryIndexKey(ctx context.Context, key any) error

	// InsertSecondaryIndexKey reports whether a new row was written; an
	// existing (key, resourceID) pair is repointed at primaryKey.
	InsertSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID, primaryKey any) (bool, error)
	DeleteSecondaryIndexKey(ctx context.Context, index *model.SecondaryIndex, key, resourceID any) (int64, error)
	DeleteSecondaryIndexKeysOfResourceID(ctx context.Context, index *model.SecondaryIndex, resourceID any) (int64, error)

	InsertResourceID(ctx context.Context, resource *model.Resource, id, primaryKey any) error
	DeleteResourceID(ctx context.Context, resource *model.Resource, id any) error
	UpdatePrimaryIndexKeyOfResourceID(ctx context.Context, resource *model.Resource, id, newPrimaryKey any) error
}

// Transactor runs fn against an IndexWriter bound to one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(IndexWriter) error) error
}

// Directory is the authoritative key to node mapping of one partition dimension.
type Directory interface {
	NodeResolver
	IndexWriter
	Transactor

	Dimension() *model.PartitionDimension
	Ping(ctx context.Context) error
}

func anyReadOnly(semaphores []model.KeySemaphore) bool {
	for _, s := range semaphores {
		if s.ReadOnly {
			return true
		}
	}
	return false
}
