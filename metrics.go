package mrdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports store counters and, for the Pebble backend, LSM metrics.
// Register it with a prometheus.Registerer.
type Collector struct {
	s *Store

	batches   *prometheus.Desc
	conflicts *prometheus.Desc
	failures  *prometheus.Desc
	views     *prometheus.Desc

	compactionCount *prometheus.Desc
	compactionDebt  *prometheus.Desc
	memtableSize    *prometheus.Desc
	memtableCount   *prometheus.Desc
	walFiles        *prometheus.Desc
	walSize         *prometheus.Desc
	diskUsage       *prometheus.Desc
}

func NewCollector(s *Store) *Collector {
	labels := prometheus.Labels{"backend": s.backend.String()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, labels)
	}
	return &Collector{
		s: s,

		batches:   desc("mrdb_batches_total", "Number of writable batches started"),
		conflicts: desc("mrdb_batch_conflicts_total", "Number of batch attempts lost to a write conflict"),
		failures:  desc("mrdb_batch_failures_total", "Number of batches rolled back because of an error"),
		views:     desc("mrdb_views_total", "Number of read-only batches started"),

		compactionCount: desc("mrdb_pebble_compaction_count_total", "Total number of compactions performed"),
		compactionDebt:  desc("mrdb_pebble_compaction_estimated_debt_bytes", "Estimated number of bytes that need to be compacted to reach a stable state"),
		memtableSize:    desc("mrdb_pebble_memtable_size_bytes", "Current size of the memtable in bytes"),
		memtableCount:   desc("mrdb_pebble_memtable_count", "Current count of memtables"),
		walFiles:        desc("mrdb_pebble_wal_files", "Number of live WAL files"),
		walSize:         desc("mrdb_pebble_wal_size_bytes", "Size of live WAL data in bytes"),
		diskUsage:       desc("mrdb_pebble_disk_usage_bytes", "Total disk space used by the store"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.batches
	ch <- c.conflicts
	ch <- c.failures
	ch <- c.views
	if c.s.backend == Pebble {
		ch <- c.compactionCount
		ch <- c.compactionDebt
		ch <- c.memtableSize
		ch <- c.memtableCount
		ch <- c.walFiles
		ch <- c.walSize
		ch <- c.diskUsage
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.batches, c.s.BatchCount.Load())
	counter(c.conflicts, c.s.ConflictCount.Load())
	counter(c.failures, c.s.FailureCount.Load())
	counter(c.views, c.s.ViewCount.Load())

	ps, ok := c.s.st.(*pebbleStorage)
	if !ok || c.s.closed.Load() {
		return
	}
	m := ps.Metrics()
	counter(c.compactionCount, uint64(m.Compact.Count))
	gauge(c.compactionDebt, float64(m.Compact.EstimatedDebt))
	gauge(c.memtableSize, float64(m.MemTable.Size))
	gauge(c.memtableCount, float64(m.MemTable.Count))
	gauge(c.walFiles, float64(m.WAL.Files))
	gauge(c.walSize, float64(m.WAL.Size))
	gauge(c.diskUsage, float64(m.DiskSpaceUsage()))
}
