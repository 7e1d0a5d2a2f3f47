package balancer

import (
	"context"
	"fmt"
	"sort"

	"github.com/britt/hivedb-sub003/internal/model"
	"golang.org/x/sync/errgroup"
)

// NodeStatistics pairs a node with the statistics of every key it holds.
type NodeStatistics struct {
	Node  *model.Node
	Stats []model.PartitionKeyStatistics
}

// Clone returns a deep copy that can be mutated during planning.
func (ns *NodeStatistics) Clone() *NodeStatistics {
	stats := make([]model.PartitionKeyStatistics, len(ns.Stats))
	copy(stats, ns.Stats)
	node := *ns.Node
	return &NodeStatistics{Node: &node, Stats: stats}
}

// Add places stat on the node.
func (ns *NodeStatistics) Add(stat model.PartitionKeyStatistics) {
	ns.Stats = append(ns.Stats, stat)
}

// Remove takes the statistics of key off the node.
func (ns *NodeStatistics) Remove(key any) (model.PartitionKeyStatistics, bool) {
	k := model.KeyString(key)
	for i, stat := range ns.Stats {
		if model.KeyString(stat.PrimaryIndexKey) == k {
			ns.Stats = append(ns.Stats[:i], ns.Stats[i+1:]...)
			return stat, true
		}
	}
	return model.PartitionKeyStatistics{}, false
}

// Find returns the statistics of key on the node.
func (ns *NodeStatistics) Find(key any) (model.PartitionKeyStatistics, bool) {
	k := model.KeyString(key)
	for _, stat := range ns.Stats {
		if model.KeyString(stat.PrimaryIndexKey) == k {
			return stat, true
		}
	}
	return model.PartitionKeyStatistics{}, false
}

// Snapshot is the statistics of every candidate node at one point in time.
type Snapshot []*NodeStatistics

// Clone deep copies every node.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for i, ns := range s {
		out[i] = ns.Clone()
	}
	return out
}

// Node returns the statistics of nodeID.
func (s Snapshot) Node(nodeID int) (*NodeStatistics, bool) {
	for _, ns := range s {
		if ns.Node.ID == nodeID {
			return ns, true
		}
	}
	return nil, false
}

// SortedByFillLevel returns the nodes ordered by ascending fill level, ties by node id.
func (s Snapshot) SortedByFillLevel(est *MigrationEstimator) Snapshot {
	out := make(Snapshot, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		fi, fj := est.FillLevel(out[i]), est.FillLevel(out[j])
		if fi != fj {
			return fi < fj
		}
		return out[i].Node.ID < out[j].Node.ID
	})
	return out
}

// StatisticsSource loads the statistics of keys placed on a node.
type StatisticsSource interface {
	FindByNodeID(ctx context.Context, nodeID int) ([]model.PartitionKeyStatistics, error)
}

// LoadSnapshot loads the statistics of every node in parallel.
func LoadSnapshot(ctx context.Context, nodes []*model.Node, source StatisticsSource) (Snapshot, error) {
	snapshot := make(Snapshot, len(nodes))
	g, gctx := errgroup.WithContext(ctx)

	for i, node := range nodes {
		i, node := i, node
		g.Go(func() error {
			stats, err := source.FindByNodeID(gctx, node.ID)
			if err != nil {
				return fmt.Errorf("failed to load statistics of node %s: %w", node.Name, err)
			}
			snapshot[i] = &NodeStatistics{Node: node, Stats: stats}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snapshot, nil
}
