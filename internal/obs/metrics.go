package obs

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ClassStat is one size class's contribution to a stats snapshot.
type ClassStat struct {
	Size           uint32
	PagesUsed      uint64
	PagesCommitted uint64
	HandedOut      uint64 // live (un-freed) allocations currently outstanding for this class
}

// AllocatorStats is a point-in-time snapshot of the whole allocator, the
// shape GetStats (§7) reports and the shape the Prometheus collector below
// reads from.
type AllocatorStats struct {
	Classes               []ClassStat
	BulkArenaCount        uint64
	BulkBytesCommitted    uint64
	BulkBytesInUse        uint64
	DirectAllocationCount uint64
	ProcessHighWaterBytes uint64
}

// StatsFunc produces a fresh snapshot on demand; Collector calls it once per
// scrape rather than caching, since the allocator's counters are cheap
// in-memory reads.
type StatsFunc func() AllocatorStats

// Collector adapts an allocator's StatsFunc to prometheus.Collector,
// following the same callback-based pattern the client_golang docs use for
// wrapping an existing stats source rather than a set of prometheus.Metric
// fields updated inline.
type Collector struct {
	fn StatsFunc

	pagesUsed      *prometheus.Desc
	pagesCommitted *prometheus.Desc
	handedOut      *prometheus.Desc
	bulkArenas     *prometheus.Desc
	bulkCommitted  *prometheus.Desc
	bulkInUse      *prometheus.Desc
	directCount    *prometheus.Desc
	highWater      *prometheus.Desc
}

// NewCollector builds a Collector reading from fn, with every metric
// namespaced under "soundheap".
func NewCollector(fn StatsFunc) *Collector {
	ns := "soundheap"
	classLabels := []string{"class", "size_bytes"}
	return &Collector{
		fn: fn,
		pagesUsed: prometheus.NewDesc(
			ns+"_sapa_pages_used", "Pages handed out from a size class's SAPA stripes.", classLabels, nil),
		pagesCommitted: prometheus.NewDesc(
			ns+"_sapa_pages_committed", "Pages committed from the OS for a size class's SAPA stripes.", classLabels, nil),
		handedOut: prometheus.NewDesc(
			ns+"_class_live_allocations", "Currently outstanding allocations for a size class.", classLabels, nil),
		bulkArenas: prometheus.NewDesc(
			ns+"_bulk_arena_count", "Number of bulk allocator arenas reserved.", nil, nil),
		bulkCommitted: prometheus.NewDesc(
			ns+"_bulk_bytes_committed", "Bytes committed across all bulk allocator arenas.", nil, nil),
		bulkInUse: prometheus.NewDesc(
			ns+"_bulk_bytes_in_use", "Bytes currently allocated out of the bulk allocator.", nil, nil),
		directCount: prometheus.NewDesc(
			ns+"_direct_allocation_count", "Outstanding oversize allocations served directly from the VM.", nil, nil),
		highWater: prometheus.NewDesc(
			ns+"_process_high_water_bytes", "Highest committed-byte total observed over the process lifetime.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pagesUsed
	ch <- c.pagesCommitted
	ch <- c.handedOut
	ch <- c.bulkArenas
	ch <- c.bulkCommitted
	ch <- c.bulkInUse
	ch <- c.directCount
	ch <- c.highWater
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.fn()

	for i, cs := range stats.Classes {
		labels := []string{strconv.Itoa(i), strconv.FormatUint(uint64(cs.Size), 10)}
		ch <- prometheus.MustNewConstMetric(c.pagesUsed, prometheus.CounterValue, float64(cs.PagesUsed), labels...)
		ch <- prometheus.MustNewConstMetric(c.pagesCommitted, prometheus.CounterValue, float64(cs.PagesCommitted), labels...)
		ch <- prometheus.MustNewConstMetric(c.handedOut, prometheus.GaugeValue, float64(cs.HandedOut), labels...)
	}

	ch <- prometheus.MustNewConstMetric(c.bulkArenas, prometheus.GaugeValue, float64(stats.BulkArenaCount))
	ch <- prometheus.MustNewConstMetric(c.bulkCommitted, prometheus.GaugeValue, float64(stats.BulkBytesCommitted))
	ch <- prometheus.MustNewConstMetric(c.bulkInUse, prometheus.GaugeValue, float64(stats.BulkBytesInUse))
	ch <- prometheus.MustNewConstMetric(c.directCount, prometheus.GaugeValue, float64(stats.DirectAllocationCount))
	ch <- prometheus.MustNewConstMetric(c.highWater, prometheus.GaugeValue, float64(stats.ProcessHighWaterBytes))
}
