package service

import (
	"context"
	"fmt"
	"time"

	"github.com/britt/hivedb-sub003/internal/balancer"
	"github.com/britt/hivedb-sub003/internal/metrics"
	"github.com/britt/hivedb-sub003/internal/migration"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/britt/hivedb-sub003/internal/stats"
	"go.uber.org/zap"
)

// NodeLister lists the nodes of a partition dimension.
type NodeLister interface {
	ListNodes(ctx context.Context, dimensionID int) ([]*model.Node, error)
}

// BalanceService periodically plans moves for one dimension and hands them
// to the migration queue.
type BalanceService struct {
	dimension  *model.PartitionDimension
	nodes      NodeLister
	statistics balancer.StatisticsSource
	balancer   *balancer.NodeBalancer
	queue      migration.JobQueue
	interval   time.Duration
	counters   *stats.Registry
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewBalanceService creates a balance service
func NewBalanceService(
	dimension *model.PartitionDimension,
	nodes NodeLister,
	statistics balancer.StatisticsSource,
	estimator *balancer.MigrationEstimator,
	queue migration.JobQueue,
	interval time.Duration,
	counters *stats.Registry,
	recorder *metrics.Metrics,
	logger *zap.Logger,
) *BalanceService {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &BalanceService{
		dimension:  dimension,
		nodes:      nodes,
		statistics: statistics,
		balancer:   balancer.NewNodeBalancer(dimension.Name, estimator, logger),
		queue:      queue,
		interval:   interval,
		counters:   counters,
		metrics:    recorder,
		logger:     logger,
	}
}

// Plan returns the moves that would balance the dimension right now without
// enqueuing them.
func (s *BalanceService) Plan(ctx context.Context) ([]*model.Migration, error) {
	nodes, err := s.nodes.ListNodes(ctx, s.dimension.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes of %s: %w", s.dimension.Name, err)
	}
	snapshot, err := balancer.LoadSnapshot(ctx, nodes, s.statistics)
	if err != nil {
		return nil, err
	}
	moves, err := s.balancer.SuggestMoves(snapshot)
	s.metrics.RecordPlan(s.dimension.Name, len(moves), err)
	if err != nil {
		return nil, err
	}
	return moves, nil
}

// Balance plans and enqueues moves. It returns the enqueued plan.
func (s *BalanceService) Balance(ctx context.Context) ([]*model.Migration, error) {
	moves, err := s.Plan(ctx)
	if err != nil {
		return nil, err
	}
	for i, m := range moves {
		if err := s.queue.Enqueue(ctx, m); err != nil {
			return moves[:i], fmt.Errorf("failed to enqueue migration %s: %w", m.MigrationID, err)
		}
		s.counters.Counter(stats.CounterPlannedMoves).Increment()
	}
	if len(moves) > 0 {
		s.logger.Info("Balancing moves enqueued",
			zap.String("dimension", s.dimension.Name),
			zap.Int("moves", len(moves)))
	}
	return moves, nil
}

// Run balances every interval until ctx is done. Failures are logged and the
// next round proceeds.
func (s *BalanceService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Balance loop started",
		zap.String("dimension", s.dimension.Name),
		zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Balance loop stopped", zap.String("dimension", s.dimension.Name))
			return
		case <-ticker.C:
			if _, err := s.Balance(ctx); err != nil {
				s.logger.Error("Balancing round failed",
					zap.String("dimension", s.dimension.Name),
					zap.Error(err))
			}
		}
	}
}
