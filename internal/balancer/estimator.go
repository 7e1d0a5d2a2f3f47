package balancer

import (
	"time"

	"github.com/britt/hivedb-sub003/internal/model"
)

// EstimatorConfig holds the sizing factors used to turn child record counts
// into fill levels and move times.
type EstimatorConfig struct {
	SafeFillLevel     float64
	EntriesPerRecord  float64
	AverageRecordSize float64
	MoveTimePerRecord time.Duration
	MoveTimeOverhead  time.Duration
}

// DefaultEstimatorConfig returns the default sizing factors
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		SafeFillLevel:     0.75,
		EntriesPerRecord:  1,
		AverageRecordSize: 1,
		MoveTimePerRecord: 10 * time.Millisecond,
		MoveTimeOverhead:  100 * time.Millisecond,
	}
}

// MigrationEstimator derives sizes, fill levels and move times from statistics.
type MigrationEstimator struct {
	config EstimatorConfig
}

// NewMigrationEstimator creates an estimator
func NewMigrationEstimator(config EstimatorConfig) *MigrationEstimator {
	return &MigrationEstimator{config: config}
}

// Config returns the estimator's sizing factors
func (e *MigrationEstimator) Config() EstimatorConfig {
	return e.config
}

// EstimateSize is childRecordCount × entriesPerRecord × averageRecordSize.
func (e *MigrationEstimator) EstimateSize(stat model.PartitionKeyStatistics) float64 {
	return float64(stat.ChildRecordCount) * e.config.EntriesPerRecord * e.config.AverageRecordSize
}

// FillLevel sums the estimated size of every key on the node.
func (e *MigrationEstimator) FillLevel(ns *NodeStatistics) float64 {
	total := 0.0
	for _, stat := range ns.Stats {
		total += e.EstimateSize(stat)
	}
	return total
}

// SafeThreshold is the fill level a node may hold after balancing.
func (e *MigrationEstimator) SafeThreshold(node *model.Node) float64 {
	return e.config.SafeFillLevel * node.Capacity
}

// HowMuchDoINeedToMove returns fillLevel − safeFillLevel × capacity. A value
// at or below zero means the node needs no relief.
func (e *MigrationEstimator) HowMuchDoINeedToMove(ns *NodeStatistics) float64 {
	return e.FillLevel(ns) - e.SafeThreshold(ns.Node)
}

// IsOverfull reports whether the node is above its safe threshold.
func (e *MigrationEstimator) IsOverfull(ns *NodeStatistics) bool {
	return e.HowMuchDoINeedToMove(ns) > 0
}

// EstimateMoveTime approximates how long migrating the key takes.
func (e *MigrationEstimator) EstimateMoveTime(stat model.PartitionKeyStatistics) time.Duration {
	records := float64(stat.ChildRecordCount) * e.config.EntriesPerRecord
	return e.config.MoveTimeOverhead + time.Duration(records*float64(e.config.MoveTimePerRecord))
}
