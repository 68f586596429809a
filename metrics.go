package mooncake

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector is a read-only prometheus.Collector exposing a MemoryPool's
// accounting counters, grounded on deepfabric-elasticell's use of
// prometheus/client_golang for custom collectors. It reads the pool's
// existing atomics on every Collect call rather than mirroring state into
// its own prometheus metric objects, so scraping a pool under contention
// never contends with the allocator's own locks.
type PoolCollector struct {
	pool *MemoryPool

	usedBytes         *prometheus.Desc
	slabAllocBytes    *prometheus.Desc
	slabsAdvised      *prometheus.Desc
	slabResizes       *prometheus.Desc
	slabRebalances    *prometheus.Desc
	slabReleaseAborts *prometheus.Desc
	classCanAllocate  *prometheus.Desc
}

// NewPoolCollector builds a collector for pool. poolLabel is attached to
// every exported metric (e.g. a pool name) so multiple pools can share one
// registry.
func NewPoolCollector(pool *MemoryPool, poolLabel string) *PoolCollector {
	constLabels := prometheus.Labels{"pool": poolLabel}
	return &PoolCollector{
		pool: pool,
		usedBytes: prometheus.NewDesc(
			"mooncake_pool_used_bytes", "Bytes currently handed out to callers.", nil, constLabels),
		slabAllocBytes: prometheus.NewDesc(
			"mooncake_pool_slab_alloc_bytes", "Bytes currently claimed as slabs.", nil, constLabels),
		slabsAdvised: prometheus.NewDesc(
			"mooncake_pool_slabs_advised_total", "Slabs handed back to the OS via madvise.", nil, constLabels),
		slabResizes: prometheus.NewDesc(
			"mooncake_pool_slab_resizes_total", "Completed resize-mode slab releases.", nil, constLabels),
		slabRebalances: prometheus.NewDesc(
			"mooncake_pool_slab_rebalances_total", "Completed rebalance-mode slab releases.", nil, constLabels),
		slabReleaseAborts: prometheus.NewDesc(
			"mooncake_pool_slab_release_aborts_total", "Slab releases cancelled mid-drain.", nil, constLabels),
		classCanAllocate: prometheus.NewDesc(
			"mooncake_pool_class_can_allocate", "Whether a class's last Allocate attempt found free space (1) or not (0).",
			[]string{"class"}, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.usedBytes
	ch <- c.slabAllocBytes
	ch <- c.slabsAdvised
	ch <- c.slabResizes
	ch <- c.slabRebalances
	ch <- c.slabReleaseAborts
	ch <- c.classCanAllocate
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.usedBytes, prometheus.GaugeValue, float64(s.UsedBytes))
	ch <- prometheus.MustNewConstMetric(c.slabAllocBytes, prometheus.GaugeValue, float64(s.SlabAllocBytes))
	ch <- prometheus.MustNewConstMetric(c.slabsAdvised, prometheus.CounterValue, float64(s.SlabsAdvised))
	ch <- prometheus.MustNewConstMetric(c.slabResizes, prometheus.CounterValue, float64(s.SlabResizes))
	ch <- prometheus.MustNewConstMetric(c.slabRebalances, prometheus.CounterValue, float64(s.SlabRebalances))
	ch <- prometheus.MustNewConstMetric(c.slabReleaseAborts, prometheus.CounterValue, float64(s.SlabReleaseAborts))

	for _, ac := range c.pool.classes {
		v := 0.0
		if ac.CanAllocate() {
			v = 1.0
		}
		label := fmt.Sprintf("%d", ac.ID())
		ch <- prometheus.MustNewConstMetric(c.classCanAllocate, prometheus.GaugeValue, v, label)
	}
}
