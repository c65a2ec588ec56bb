package metrics

import "github.com/marmos91/flintfs/pkg/pfs"

// NewStorageMetrics creates a Prometheus-backed pfs.Metrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
// A nil pfs.Metrics disables instrumentation in the filesystem with
// zero overhead, so the result can be passed to pfs.Options.Metrics
// unconditionally:
//
//	metrics.InitRegistry()
//	fs, err := pfs.Mount(dev, regions, pfs.Options{
//		Metrics: metrics.NewStorageMetrics(),
//	})
func NewStorageMetrics() pfs.Metrics {
	if !IsEnabled() || newPrometheusStorageMetrics == nil {
		return nil
	}
	return newPrometheusStorageMetrics()
}

// newPrometheusStorageMetrics is implemented in pkg/metrics/prometheus.
// The indirection keeps the Prometheus collector types out of this
// package's import graph until the subpackage is linked in.
var newPrometheusStorageMetrics func() pfs.Metrics

// RegisterStorageMetricsConstructor is called by pkg/metrics/prometheus
// during package initialization.
func RegisterStorageMetricsConstructor(constructor func() pfs.Metrics) {
	newPrometheusStorageMetrics = constructor
}
