package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/store"
)

// JobQueue holds planned migrations until the scheduler runs them.
type JobQueue interface {
	Enqueue(ctx context.Context, migration *model.Migration) error
	// Dequeue waits up to timeout and returns nil, nil when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*model.Migration, error)
	Len(ctx context.Context) (int, error)
}

var _ JobQueue = (*store.RedisJobQueue)(nil)

// MemoryJobQueue is a bounded in-process JobQueue.
type MemoryJobQueue struct {
	items chan *model.Migration
}

var _ JobQueue = (*MemoryJobQueue)(nil)

// NewMemoryJobQueue creates a queue holding at most size migrations
func NewMemoryJobQueue(size int) *MemoryJobQueue {
	return &MemoryJobQueue{items: make(chan *model.Migration, size)}
}

func (q *MemoryJobQueue) Enqueue(ctx context.Context, migration *model.Migration) error {
	select {
	case q.items <- migration:
		return nil
	default:
		return fmt.Errorf("migration queue is full (%d)", cap(q.items))
	}
}

func (q *MemoryJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.Migration, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-q.items:
		return m, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryJobQueue) Len(ctx context.Context) (int, error) {
	return len(q.items), nil
}
