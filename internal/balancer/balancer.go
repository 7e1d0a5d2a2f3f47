package balancer

import (
	"fmt"
	"sort"

	hiveerrors "github.com/britt/hivedb-sub003/internal/errors"
	"github.com/britt/hivedb-sub003/internal/model"
	"github.com/emirpasic/gods/queues/priorityqueue"
	"go.uber.org/zap"
)

// NodeBalancer plans migrations that bring overfull nodes back under their
// safe fill level. Planning never touches the directory or the data nodes.
type NodeBalancer struct {
	dimension string
	estimator *MigrationEstimator
	validator *MovePlanValidator
	logger    *zap.Logger
}

// NewNodeBalancer creates a balancer for the nodes of one partition dimension
func NewNodeBalancer(dimension string, estimator *MigrationEstimator, logger *zap.Logger) *NodeBalancer {
	return &NodeBalancer{
		dimension: dimension,
		estimator: estimator,
		validator: NewMovePlanValidator(estimator),
		logger:    logger,
	}
}

// SuggestKeysToMove picks keys from the node, smallest child record count
// first, until their combined estimated size covers the excess over the
// node's safe threshold. Keys of estimated size zero free nothing and are skipped.
func (b *NodeBalancer) SuggestKeysToMove(ns *NodeStatistics) []model.PartitionKeyStatistics {
	spaceToFree := b.estimator.HowMuchDoINeedToMove(ns)
	if spaceToFree <= 0 {
		return nil
	}

	candidates := make([]model.PartitionKeyStatistics, len(ns.Stats))
	copy(candidates, ns.Stats)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ChildRecordCount != candidates[j].ChildRecordCount {
			return candidates[i].ChildRecordCount < candidates[j].ChildRecordCount
		}
		return model.KeyString(candidates[i].PrimaryIndexKey) < model.KeyString(candidates[j].PrimaryIndexKey)
	})

	selected := make([]model.PartitionKeyStatistics, 0)
	freed := 0.0
	for _, stat := range candidates {
		if freed >= spaceToFree {
			break
		}
		size := b.estimator.EstimateSize(stat)
		if size <= 0 {
			continue
		}
		selected = append(selected, stat)
		freed += size
	}
	return selected
}

// PairMigrantsWithDestinations assigns every key to the currently least-full
// writable node other than origin. The snapshot is updated after each
// assignment so load spreads across destinations. Any destination pushed over
// its safe threshold fails the whole pairing.
func (b *NodeBalancer) PairMigrantsWithDestinations(origin *NodeStatistics, keys []model.PartitionKeyStatistics, snapshot Snapshot) ([]*model.Migration, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	queue := priorityqueue.NewWith(func(a, c interface{}) int {
		na, nc := a.(*NodeStatistics), c.(*NodeStatistics)
		fa, fc := b.estimator.FillLevel(na), b.estimator.FillLevel(nc)
		switch {
		case fa < fc:
			return -1
		case fa > fc:
			return 1
		}
		return na.Node.ID - nc.Node.ID
	})
	for _, ns := range snapshot {
		if ns.Node.ID == origin.Node.ID || ns.Node.ReadOnly {
			continue
		}
		queue.Enqueue(ns)
	}
	if queue.Empty() {
		return nil, hiveerrors.PlanningFailed(fmt.Sprintf("no writable destination for keys of node %s", origin.Node.Name), nil)
	}

	migrations := make([]*model.Migration, 0, len(keys))
	for _, stat := range keys {
		v, _ := queue.Dequeue()
		dest := v.(*NodeStatistics)

		moved, ok := origin.Remove(stat.PrimaryIndexKey)
		if !ok {
			return nil, hiveerrors.PlanningFailed(fmt.Sprintf("key %v is not on node %s", stat.PrimaryIndexKey, origin.Node.Name), nil)
		}
		dest.Add(moved)

		fill := b.estimator.FillLevel(dest)
		if threshold := b.estimator.SafeThreshold(dest.Node); fill > threshold {
			return nil, hiveerrors.PlanningFailed(fmt.Sprintf(
				"moving key %v to node %s would fill it to %.2f, above its safe level %.2f",
				stat.PrimaryIndexKey, dest.Node.Name, fill, threshold), nil)
		}
		queue.Enqueue(dest)

		migrations = append(migrations, model.NewMigration(b.dimension, stat.PrimaryIndexKey, origin.Node, dest.Node))
	}
	return migrations, nil
}

// SuggestMoves plans relief for every overfull node and validates the plan
// against a simulation of the original snapshot. The snapshot passed in is
// never modified and no partial plan is ever returned.
func (b *NodeBalancer) SuggestMoves(snapshot Snapshot) ([]*model.Migration, error) {
	working := snapshot.Clone()
	plan := make([]*model.Migration, 0)

	ordered := working.SortedByFillLevel(b.estimator)
	for i := len(ordered) - 1; i >= 0; i-- {
		ns := ordered[i]
		if !b.estimator.IsOverfull(ns) {
			continue
		}
		keys := b.SuggestKeysToMove(ns)
		migrations, err := b.PairMigrantsWithDestinations(ns, keys, working)
		if err != nil {
			b.logger.Warn("Balancing plan rejected",
				zap.String("dimension", b.dimension),
				zap.String("node", ns.Node.Name),
				zap.Error(err))
			return nil, err
		}
		plan = append(plan, migrations...)
	}

	if err := b.validator.Validate(snapshot, plan); err != nil {
		b.logger.Warn("Balancing plan failed validation",
			zap.String("dimension", b.dimension),
			zap.Int("moves", len(plan)),
			zap.Error(err))
		return nil, err
	}

	for i, m := range plan {
		m.Order = i
	}

	b.logger.Info("Balancing plan ready",
		zap.String("dimension", b.dimension),
		zap.Int("moves", len(plan)))
	return plan, nil
}
