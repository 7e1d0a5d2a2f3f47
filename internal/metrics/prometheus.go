package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Directory metrics
	DirectoryOperations *prometheus.CounterVec
	ReadOnlyRejections  *prometheus.CounterVec

	// Migration metrics
	MigrationsTotal   *prometheus.CounterVec
	MigrationDuration *prometheus.HistogramVec
	LockedKeys        prometheus.Gauge
	MigrationQueue    prometheus.Gauge

	// Balancer metrics
	PlannedMoves     *prometheus.CounterVec
	PlanningFailures *prometheus.CounterVec
}

// NewMetrics creates Prometheus metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DirectoryOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_directory_operations_total",
				Help: "Total number of directory write operations",
			},
			[]string{"operation", "status"},
		),

		ReadOnlyRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_readonly_rejections_total",
				Help: "Total number of writes refused by a read-only lock",
			},
			[]string{"subject"},
		),

		MigrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_migrations_total",
				Help: "Total number of key migrations by outcome and failing phase",
			},
			[]string{"status", "phase"},
		),

		MigrationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hive_migration_duration_seconds",
				Help:    "Duration of key migrations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),

		LockedKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hive_locked_keys",
				Help: "Number of primary index keys currently locked by a migration",
			},
		),

		MigrationQueue: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "hive_migration_queue_size",
				Help: "Number of migrations waiting in the job queue",
			},
		),

		PlannedMoves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_balancer_planned_moves_total",
				Help: "Total number of migrations produced by the balancer",
			},
			[]string{"dimension"},
		),

		PlanningFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_balancer_planning_failures_total",
				Help: "Total number of rejected balancing plans",
			},
			[]string{"dimension"},
		),
	}
}

// RecordDirectoryOperation records a directory write
func (m *Metrics) RecordDirectoryOperation(operation string, err error) {
	m.DirectoryOperations.WithLabelValues(operation, status(err)).Inc()
}

// RecordReadOnlyRejection records a write refused by a lock
func (m *Metrics) RecordReadOnlyRejection(subject string) {
	m.ReadOnlyRejections.WithLabelValues(subject).Inc()
}

// RecordMigration records a finished migration. phase is empty on success.
func (m *Metrics) RecordMigration(phase string, err error, duration float64) {
	s := status(err)
	m.MigrationsTotal.WithLabelValues(s, phase).Inc()
	m.MigrationDuration.WithLabelValues(s).Observe(duration)
}

// KeyLocked tracks a key entering the locked state
func (m *Metrics) KeyLocked() {
	m.LockedKeys.Inc()
}

// KeyUnlocked tracks a key leaving the locked state
func (m *Metrics) KeyUnlocked() {
	m.LockedKeys.Dec()
}

// UpdateMigrationQueueSize updates the job queue gauge
func (m *Metrics) UpdateMigrationQueueSize(size int) {
	m.MigrationQueue.Set(float64(size))
}

// RecordPlan records the outcome of a balancing run
func (m *Metrics) RecordPlan(dimension string, moves int, err error) {
	if err != nil {
		m.PlanningFailures.WithLabelValues(dimension).Inc()
		return
	}
	m.PlannedMoves.WithLabelValues(dimension).Add(float64(moves))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
