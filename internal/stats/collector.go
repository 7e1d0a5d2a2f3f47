package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports registry aggregates as Prometheus gauges. It only reads
// from the registry.
type Collector struct {
	registry *Registry

	sum      *prometheus.Desc
	count    *prometheus.Desc
	average  *prometheus.Desc
	min      *prometheus.Desc
	max      *prometheus.Desc
	variance *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over registry
func NewCollector(namespace string, registry *Registry) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "rolling_window", name), help, []string{"counter"}, nil)
	}
	return &Collector{
		registry: registry,
		sum:      desc("sum", "Sum of values inside the window"),
		count:    desc("count", "Number of values inside the window"),
		average:  desc("average", "Sum divided by retained bucket count"),
		min:      desc("min", "Smallest value inside the window"),
		max:      desc("max", "Largest value inside the window"),
		variance: desc("variance", "Variance of bucket means inside the window"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sum
	ch <- c.count
	ch <- c.average
	ch <- c.min
	ch <- c.max
	ch <- c.variance
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.sum, prometheus.GaugeValue, float64(s.Sum), s.Name)
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(s.Count), s.Name)
		ch <- prometheus.MustNewConstMetric(c.average, prometheus.GaugeValue, s.Average, s.Name)
		ch <- prometheus.MustNewConstMetric(c.min, prometheus.GaugeValue, float64(s.Min), s.Name)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max), s.Name)
		ch <- prometheus.MustNewConstMetric(c.variance, prometheus.GaugeValue, s.Variance, s.Name)
	}
}
