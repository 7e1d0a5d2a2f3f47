package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = time.Unix(0, 0).Add(d)
}

func TestRollingWindowCounter_Windowing(t *testing.T) {
	tests := []struct {
		name    string
		readAt  time.Duration
		wantSum int64
	}{
		{"inside window", 999 * time.Millisecond, 5},
		{"at window edge", 1000 * time.Millisecond, 5},
		{"after window", 1001 * time.Millisecond, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			c := NewRollingWindowCounter("test", time.Second, 10*time.Millisecond, WithClock(clock.Now))

			c.Add(5)
			clock.Set(tt.readAt)

			assert.Equal(t, tt.wantSum, c.Sum())
		})
	}
}

func TestRollingWindowCounter_Aggregates(t *testing.T) {
	clock := newFakeClock()
	c := NewRollingWindowCounter("test", time.Second, 10*time.Millisecond, WithClock(clock.Now))

	c.Add(2)
	clock.Set(10 * time.Millisecond)
	c.Add(4)
	c.Add(6)

	assert.Equal(t, int64(12), c.Sum())
	assert.Equal(t, int64(3), c.Count())
	assert.Equal(t, 6.0, c.Average())
	assert.Equal(t, int64(2), c.Min())
	assert.Equal(t, int64(6), c.Max())
	// bucket means 2 and 5 against average 6
	assert.InDelta(t, 8.5, c.Variance(), 1e-9)

	snap := c.Snapshot()
	assert.Equal(t, CounterSnapshot{Name: "test", Sum: 12, Count: 3, Average: 6, Min: 2, Max: 6, Variance: 8.5}, snap)
	assert.Len(t, c.Intervals(), 2)
}

func TestRollingWindowCounter_EmptyWindow(t *testing.T) {
	c := NewRollingWindowCounter("empty", time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), c.Sum())
	assert.Equal(t, 0.0, c.Average())
	assert.Equal(t, int64(0), c.Min())
	assert.Equal(t, int64(0), c.Max())
	assert.Equal(t, 0.0, c.Variance())
}

func TestRollingWindowCounter_IncrementDecrement(t *testing.T) {
	clock := newFakeClock()
	c := NewRollingWindowCounter("steps", time.Second, 10*time.Millisecond, WithClock(clock.Now), WithStep(3))

	c.Increment()
	c.Increment()
	c.Decrement()

	assert.Equal(t, int64(3), c.Sum())
	assert.Equal(t, int64(-3), c.Min())
	assert.Equal(t, int64(3), c.Max())
}

func TestRollingWindowCounter_EvictsOnWrite(t *testing.T) {
	clock := newFakeClock()
	c := NewRollingWindowCounter("evict", 100*time.Millisecond, 10*time.Millisecond, WithClock(clock.Now))

	for i := 0; i < 50; i++ {
		clock.Set(time.Duration(i*10) * time.Millisecond)
		c.Add(1)
	}

	c.mu.RLock()
	held := len(c.intervals)
	c.mu.RUnlock()

	assert.LessOrEqual(t, held, 11)
	assert.Equal(t, int64(11), c.Sum())
}

func TestRollingWindowCounter_ConcurrentAdds(t *testing.T) {
	c := NewRollingWindowCounter("concurrent", time.Minute, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Increment()
				_ = c.Average()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(800), c.Sum())
}

func TestRegistry_CounterAndSnapshot(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(time.Second, 10*time.Millisecond, WithClock(clock.Now))

	r.Counter(CounterMigrationsSucceeded).Increment()
	r.Counter(CounterMigrationsFailed).Add(2)
	r.Counter(CounterMigrationsSucceeded).Increment()

	require.Same(t, r.Counter(CounterMigrationsSucceeded), r.Counter(CounterMigrationsSucceeded))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, CounterMigrationsFailed, snap[0].Name)
	assert.Equal(t, int64(2), snap[0].Sum)
	assert.Equal(t, CounterMigrationsSucceeded, snap[1].Name)
	assert.Equal(t, int64(2), snap[1].Sum)
}

func TestCollector_ExportsEveryAggregate(t *testing.T) {
	r := NewRegistry(time.Minute, time.Second)
	r.Counter("a").Add(1)
	r.Counter("b").Add(2)

	c := NewCollector("hive", r)

	assert.Equal(t, 12, testutil.CollectAndCount(c))
	assert.Equal(t, 2, testutil.CollectAndCount(c, "hive_rolling_window_sum"))
}
