// Package stats holds the time-windowed counters used for performance
// monitoring and as capacity signals for balancing.
package stats

import (
	"math"
	"sync"
	"time"
)

// Clock returns the current time. Injected so windows can be tested.
type Clock func() time.Time

// ObservationInterval is one time bucket of a RollingWindowCounter.
type ObservationInterval struct {
	Start time.Time
	End   time.Time
	Sum   int64
	Count int64
	Min   int64
	Max   int64
}

func (o *ObservationInterval) add(v int64) {
	if o.Count == 0 || v < o.Min {
		o.Min = v
	}
	if o.Count == 0 || v > o.Max {
		o.Max = v
	}
	o.Sum += v
	o.Count++
}

// Mean returns Sum/Count of the bucket.
func (o ObservationInterval) Mean() float64 {
	if o.Count == 0 {
		return 0
	}
	return float64(o.Sum) / float64(o.Count)
}

// RollingWindowCounter accumulates values into buckets of width interval and
// reports aggregates over the buckets opened within the last window.
//
// Buckets older than the window are dropped lazily when a value is added and
// filtered out on read. Aggregates are not linearizable across concurrent
// readers and writers.
type RollingWindowCounter struct {
	name     string
	window   time.Duration
	interval time.Duration
	step     int64
	clock    Clock

	mu        sync.RWMutex
	intervals []*ObservationInterval
}

// Option configures a RollingWindowCounter
type Option func(*RollingWindowCounter)

// WithStep sets the value added by Increment and subtracted by Decrement.
func WithStep(step int64) Option {
	return func(c *RollingWindowCounter) { c.step = step }
}

// WithClock replaces time.Now.
func WithClock(clock Clock) Option {
	return func(c *RollingWindowCounter) { c.clock = clock }
}

// NewRollingWindowCounter creates a counter retaining window worth of buckets
// of the given interval.
func NewRollingWindowCounter(name string, window, interval time.Duration, opts ...Option) *RollingWindowCounter {
	if interval <= 0 {
		interval = time.Second
	}
	if window < interval {
		window = interval
	}
	c := &RollingWindowCounter{
		name:     name,
		window:   window,
		interval: interval,
		step:     1,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the counter name
func (c *RollingWindowCounter) Name() string {
	return c.name
}

// Add records v in the current bucket, opening a new one if needed.
func (c *RollingWindowCounter) Add(v int64) {
	now := c.clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evict(now)

	var current *ObservationInterval
	if n := len(c.intervals); n > 0 && now.Before(c.intervals[n-1].End) {
		current = c.intervals[n-1]
	} else {
		start := now.Truncate(c.interval)
		current = &ObservationInterval{Start: start, End: start.Add(c.interval)}
		c.intervals = append(c.intervals, current)
	}
	current.add(v)
}

// Increment adds the configured step.
func (c *RollingWindowCounter) Increment() {
	c.Add(c.step)
}

// Decrement subtracts the configured step.
func (c *RollingWindowCounter) Decrement() {
	c.Add(-c.step)
}

// evict drops expired buckets from the front. Caller holds the write lock.
func (c *RollingWindowCounter) evict(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.intervals) && c.intervals[i].Start.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.intervals = append(c.intervals[:0], c.intervals[i:]...)
	}
}

// retained returns copies of the buckets inside the window.
func (c *RollingWindowCounter) retained() []ObservationInterval {
	cutoff := c.clock().Add(-c.window)

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ObservationInterval, 0, len(c.intervals))
	for _, o := range c.intervals {
		if !o.Start.Before(cutoff) {
			out = append(out, *o)
		}
	}
	return out
}

// Intervals returns the retained buckets, oldest first.
func (c *RollingWindowCounter) Intervals() []ObservationInterval {
	return c.retained()
}

// Sum returns the sum of every retained value.
func (c *RollingWindowCounter) Sum() int64 {
	var sum int64
	for _, o := range c.retained() {
		sum += o.Sum
	}
	return sum
}

// Count returns the number of retained values.
func (c *RollingWindowCounter) Count() int64 {
	var n int64
	for _, o := range c.retained() {
		n += o.Count
	}
	return n
}

// Average returns the retained sum divided by the retained bucket count.
func (c *RollingWindowCounter) Average() float64 {
	return average(c.retained())
}

func average(intervals []ObservationInterval) float64 {
	if len(intervals) == 0 {
		return 0
	}
	var sum int64
	for _, o := range intervals {
		sum += o.Sum
	}
	return float64(sum) / float64(len(intervals))
}

// Min returns the smallest retained value, or 0 when the window is empty.
func (c *RollingWindowCounter) Min() int64 {
	intervals := c.retained()
	if len(intervals) == 0 {
		return 0
	}
	min := intervals[0].Min
	for _, o := range intervals[1:] {
		if o.Min < min {
			min = o.Min
		}
	}
	return min
}

// Max returns the largest retained value, or 0 when the window is empty.
func (c *RollingWindowCounter) Max() int64 {
	intervals := c.retained()
	if len(intervals) == 0 {
		return 0
	}
	max := intervals[0].Max
	for _, o := range intervals[1:] {
		if o.Max > max {
			max = o.Max
		}
	}
	return max
}

// Variance is the mean squared deviation of each bucket's mean from Average.
func (c *RollingWindowCounter) Variance() float64 {
	intervals := c.retained()
	if len(intervals) == 0 {
		return 0
	}
	avg := average(intervals)
	var acc float64
	for _, o := range intervals {
		acc += math.Pow(o.Mean()-avg, 2)
	}
	return acc / float64(len(intervals))
}

// Snapshot captures every aggregate at once from a single read of the buckets.
func (c *RollingWindowCounter) Snapshot() CounterSnapshot {
	intervals := c.retained()
	s := CounterSnapshot{Name: c.name, Average: average(intervals)}
	for i, o := range intervals {
		s.Sum += o.Sum
		s.Count += o.Count
		if i == 0 || o.Min < s.Min {
			s.Min = o.Min
		}
		if i == 0 || o.Max > s.Max {
			s.Max = o.Max
		}
	}
	if len(intervals) > 0 {
		var acc float64
		for _, o := range intervals {
			acc += math.Pow(o.Mean()-s.Average, 2)
		}
		s.Variance = acc / float64(len(intervals))
	}
	return s
}

// CounterSnapshot holds the aggregates of one counter.
type CounterSnapshot struct {
	Name     string  `json:"name"`
	Sum      int64   `json:"sum"`
	Count    int64   `json:"count"`
	Average  float64 `json:"average"`
	Min      int64   `json:"min"`
	Max      int64   `json:"max"`
	Variance float64 `json:"variance"`
}
