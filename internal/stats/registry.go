package stats

import (
	"sort"
	"sync"
	"time"
)

// Counter names shared by the migrator and the index service.
const (
	CounterMigrationsSucceeded = "migrations.succeeded"
	CounterMigrationsFailed    = "migrations.failed"
	CounterMigrationDuration   = "migrations.duration_ms"
	CounterDirectoryWrites     = "directory.writes"
	CounterReadOnlyRejections  = "directory.readonly_rejections"
	CounterPlannedMoves        = "balancer.planned_moves"
)

// Registry is a named set of RollingWindowCounters sharing one window and interval.
type Registry struct {
	window   time.Duration
	interval time.Duration
	opts     []Option

	mu       sync.RWMutex
	counters map[string]*RollingWindowCounter
}

// NewRegistry creates an empty registry
func NewRegistry(window, interval time.Duration, opts ...Option) *Registry {
	return &Registry{
		window:   window,
		interval: interval,
		opts:     opts,
		counters: make(map[string]*RollingWindowCounter),
	}
}

// Counter returns the named counter, creating it on first use.
func (r *Registry) Counter(name string) *RollingWindowCounter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c = NewRollingWindowCounter(name, r.window, r.interval, r.opts...)
	r.counters[name] = c
	return c
}

// Snapshot returns the aggregates of every counter ordered by name.
func (r *Registry) Snapshot() []CounterSnapshot {
	r.mu.RLock()
	counters := make([]*RollingWindowCounter, 0, len(r.counters))
	for _, c := range r.counters {
		counters = append(counters, c)
	}
	r.mu.RUnlock()

	out := make([]CounterSnapshot, 0, len(counters))
	for _, c := range counters {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
