package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisJobQueue is a FIFO of pending migrations stored as JSON on a Redis list
type RedisJobQueue struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisJobQueue connects to Redis and verifies the connection
func NewRedisJobQueue(host string, port int, password string, db int, key string, logger *zap.Logger) (*RedisJobQueue, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisJobQueue{
		client: client,
		key:    key,
		logger: logger,
	}, nil
}

// Enqueue appends a migration to the queue
func (q *RedisJobQueue) Enqueue(ctx context.Context, migration *model.Migration) error {
	data, err := json.Marshal(migration)
	if err != nil {
		return fmt.Errorf("failed to marshal migration: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return hiveerrors.Storage("enqueue migration", err)
	}
	q.logger.Debug("Migration enqueued",
		zap.String("migration_id", migration.MigrationID),
		zap.String("queue", q.key))
	return nil
}

// Dequeue blocks up to timeout for the oldest migration. It returns nil, nil
// when the queue stayed empty.
func (q *RedisJobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*model.Migration, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, hiveerrors.Storage("dequeue migration", err)
	}

	// BRPOP returns [key, value]
	var migration model.Migration
	dec := json.NewDecoder(strings.NewReader(result[1]))
	dec.UseNumber()
	if err := dec.Decode(&migration); err != nil {
		return nil, fmt.Errorf("failed to unmarshal migration: %w", err)
	}
	migration.PrimaryIndexKey = normalizeKey(migration.PrimaryIndexKey)
	return &migration, nil
}

// normalizeKey turns JSON numbers back into integer keys.
func normalizeKey(key any) any {
	n, ok := key.(json.Number)
	if !ok {
		return key
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	return n.String()
}

// Len returns the number of pending migrations
func (q *RedisJobQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, hiveerrors.Storage("queue length", err)
	}
	return int(n), nil
}

// Ping checks the Redis connection
func (q *RedisJobQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}
