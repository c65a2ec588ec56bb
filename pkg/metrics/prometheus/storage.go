// Package prometheus implements the storage metric interfaces on the
// Prometheus client library. Blank-import it to register the
// constructors with pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/flintfs/pkg/metrics"
	"github.com/marmos91/flintfs/pkg/pfs"
)

func init() {
	metrics.RegisterStorageMetricsConstructor(NewStorageMetrics)
}

// storageMetrics is the Prometheus implementation of pfs.Metrics.
type storageMetrics struct {
	allocations  prometheus.Counter
	erases       prometheus.Counter
	gcRuns       prometheus.Counter
	gcDuration   prometheus.Histogram
	gcPagesMoved prometheus.Histogram
	outOfStorage prometheus.Counter
	freePages    prometheus.Gauge
}

// NewStorageMetrics creates a Prometheus-backed pfs.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewStorageMetrics() pfs.Metrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &storageMetrics{
		allocations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flintfs_pages_allocated_total",
			Help: "Total number of flash pages allocated to file chains",
		}),
		erases: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flintfs_sector_erases_total",
			Help: "Total number of erase-sector erase operations",
		}),
		gcRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flintfs_gc_collections_total",
			Help: "Total number of completed sector collections",
		}),
		gcDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "flintfs_gc_duration_milliseconds",
			Help: "Duration of sector collections in milliseconds",
			Buckets: []float64{
				1,    // all-dead sector, erase only
				5,    //
				10,   //
				50,   // typical capture and replay
				100,  //
				500,  //
				1000, // worst case on slow parts
			},
		}),
		gcPagesMoved: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "flintfs_gc_pages_copied",
			Help:    "Live pages copied through the scratch record per collection",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 6, 7},
		}),
		outOfStorage: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flintfs_out_of_storage_total",
			Help: "Total number of allocations that failed for lack of reclaimable space",
		}),
		freePages: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "flintfs_free_pages",
			Help: "Current number of allocatable flash pages",
		}),
	}
}

func (m *storageMetrics) RecordAllocation() {
	m.allocations.Inc()
}

func (m *storageMetrics) RecordErase() {
	m.erases.Inc()
}

func (m *storageMetrics) RecordGC(d time.Duration, pagesCopied int) {
	m.gcRuns.Inc()
	m.gcDuration.Observe(float64(d.Milliseconds()))
	m.gcPagesMoved.Observe(float64(pagesCopied))
}

func (m *storageMetrics) RecordOutOfStorage() {
	m.outOfStorage.Inc()
}

func (m *storageMetrics) SetFreePages(n int) {
	m.freePages.Set(float64(n))
}
