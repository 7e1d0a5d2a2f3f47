package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/britt/hivedb-sub003/internal/balancer"
	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/workerpool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Executor runs one migration. *Migrator implements it.
type Executor interface {
	Migrate(ctx context.Context, key any, destinationNodeIDs []int) error
}

var _ Executor = (*Migrator)(nil)

// StatisticsLookup finds the statistics used to estimate a key's move time.
type StatisticsLookup interface {
	FindByPrimaryIndexKey(ctx context.Context, key any) (model.PartitionKeyStatistics, error)
}

// Target is where the scheduler sends migrations of one partition dimension.
type Target struct {
	Executor   Executor
	Statistics StatisticsLookup
}

// SchedulerConfig controls dispatch pacing
type SchedulerConfig struct {
	PollTimeout            time.Duration
	MaxMigrationsPerSecond float64
	Burst                  int
	// MoveTimeSpacing is the fraction of a migration's estimated move time to
	// wait before dispatching the next one. Zero disables spacing.
	MoveTimeSpacing float64
}

// Scheduler drains the job queue into the worker pool. At most one migration
// per key is queued or running at a time; later ones for the same key are dropped.
type Scheduler struct {
	config    SchedulerConfig
	queue     JobQueue
	targets   map[string]Target
	pool      *workerpool.Pool
	limiter   *rate.Limiter
	estimator *balancer.MigrationEstimator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	inFlight map[string]string
}

// NewScheduler creates a scheduler dispatching to targets keyed by dimension name
func NewScheduler(
	config SchedulerConfig,
	queue JobQueue,
	targets map[string]Target,
	pool *workerpool.Pool,
	estimator *balancer.MigrationEstimator,
	recorder *metrics.Metrics,
	logger *zap.Logger,
) *Scheduler {
	limit := rate.Inf
	if config.MaxMigrationsPerSecond > 0 {
		limit = rate.Limit(config.MaxMigrationsPerSecond)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = time.Second
	}
	return &Scheduler{
		config:    config,
		queue:     queue,
		targets:   targets,
		pool:      pool,
		limiter:   rate.NewLimiter(limit, burst),
		estimator: estimator,
		metrics:   recorder,
		logger:    logger,
		inFlight:  make(map[string]string),
	}
}

// Run dispatches queued migrations until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Migration scheduler started",
		zap.Float64("max_per_second", s.config.MaxMigrationsPerSecond),
		zap.Duration("poll_timeout", s.config.PollTimeout))

	for {
		if ctx.Err() != nil {
			s.logger.Info("Migration scheduler stopped")
			return nil
		}

		migration, err := s.queue.Dequeue(ctx, s.config.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("Failed to dequeue migration", zap.Error(err))
			s.sleep(ctx, s.config.PollTimeout)
			continue
		}
		if n, err := s.queue.Len(ctx); err == nil {
			s.metrics.UpdateMigrationQueueSize(n)
		}
		if migration == nil {
			continue
		}

		if err := s.Dispatch(ctx, migration); err != nil {
			s.logger.Error("Failed to dispatch migration",
				zap.String("migration_id", migration.MigrationID),
				zap.Error(err))
		}
	}
}

// Dispatch waits for the rate limiter, hands the migration to the worker pool,
// then holds off for the configured share of its estimated move time. A
// migration whose key already has one queued or running is dropped.
func (s *Scheduler) Dispatch(ctx context.Context, migration *model.Migration) error {
	target, ok := s.targets[migration.PartitionDimension]
	if !ok {
		return hiveerrors.InvalidArgument(fmt.Sprintf("no migrator for dimension %q", migration.PartitionDimension), nil)
	}

	slot := migration.PartitionDimension + "/" + model.KeyString(migration.PrimaryIndexKey)
	if holder, claimed := s.claim(slot, migration.MigrationID); !claimed {
		s.logger.Warn("Migration dropped, key already has one in flight",
			zap.String("migration_id", migration.MigrationID),
			zap.String("in_flight", holder),
			zap.String("dimension", migration.PartitionDimension),
			zap.Any("primary_key", migration.PrimaryIndexKey))
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		s.release(slot)
		return err
	}

	job := workerpool.Job{
		ID: migration.MigrationID,
		Run: func(ctx context.Context) error {
			return target.Executor.Migrate(ctx, migration.PrimaryIndexKey, migration.DestinationNodeIDs)
		},
		Done: func(error) { s.release(slot) },
	}
	if err := s.pool.Submit(ctx, job); err != nil {
		s.release(slot)
		return err
	}

	s.logger.Info("Migration dispatched",
		zap.String("migration_id", migration.MigrationID),
		zap.String("dimension", migration.PartitionDimension),
		zap.Any("primary_key", migration.PrimaryIndexKey),
		zap.Int("order", migration.Order))

	if s.config.MoveTimeSpacing > 0 && target.Statistics != nil {
		stat, err := target.Statistics.FindByPrimaryIndexKey(ctx, migration.PrimaryIndexKey)
		if err == nil {
			s.sleep(ctx, time.Duration(float64(s.estimator.EstimateMoveTime(stat))*s.config.MoveTimeSpacing))
		}
	}
	return nil
}

func (s *Scheduler) claim(slot, migrationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.inFlight[slot]; ok {
		return holder, false
	}
	s.inFlight[slot] = migrationID
	return migrationID, true
}

func (s *Scheduler) release(slot string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, slot)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
