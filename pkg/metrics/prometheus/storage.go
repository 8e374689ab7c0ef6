// Package prometheus provides the Prometheus-backed implementations of the
// pkg/metrics interfaces, following the teacher repo's promauto.With(reg)
// constructor pattern (see the original badgerMetrics collector this is
// grounded on).
package prometheus

import (
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterStorageMetricsConstructor(func() metrics.StorageMetrics {
		return NewStorageMetrics()
	})
}

// storageMetrics is the Prometheus implementation of metrics.StorageMetrics.
type storageMetrics struct {
	allocateRequested prometheus.Counter
	allocateAccepted  prometheus.Counter
	addLeaseTotal     prometheus.Counter
	diskAvailable     prometheus.Gauge
	writerRegistry    prometheus.Gauge
	testvPassed       prometheus.Counter
	testvFailed       prometheus.Counter
}

// NewStorageMetrics creates a new Prometheus-backed StorageMetrics.
// Returns nil if metrics are not enabled (metrics.InitRegistry not called).
func NewStorageMetrics() *storageMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &storageMetrics{
		allocateRequested: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_allocate_shnums_requested_total",
			Help: "Total shnums requested across allocate_buckets calls",
		}),
		allocateAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_allocate_shnums_accepted_total",
			Help: "Total shnums admitted as new writers across allocate_buckets calls",
		}),
		addLeaseTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_add_lease_total",
			Help: "Total add_lease calls against a non-empty storage index",
		}),
		diskAvailable: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "storaged_disk_available_bytes",
			Help: "Free disk space minus the reserved-space floor",
		}),
		writerRegistry: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "storaged_live_bucket_writers",
			Help: "Number of in-progress immutable BucketWriters across all storage indices",
		}),
		testvPassed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_testv_writev_passed_total",
			Help: "Total slot_testv_and_readv_and_writev calls whose test vector passed",
		}),
		testvFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_testv_writev_failed_total",
			Help: "Total slot_testv_and_readv_and_writev calls whose test vector failed",
		}),
	}
}

func (m *storageMetrics) RecordAllocate(requested int, accepted int) {
	if m == nil {
		return
	}
	m.allocateRequested.Add(float64(requested))
	m.allocateAccepted.Add(float64(accepted))
}

func (m *storageMetrics) RecordAddLease() {
	if m == nil {
		return
	}
	m.addLeaseTotal.Inc()
}

func (m *storageMetrics) RecordDiskAvailable(bytes int64) {
	if m == nil {
		return
	}
	m.diskAvailable.Set(float64(bytes))
}

func (m *storageMetrics) RecordWriterRegistrySize(n int) {
	if m == nil {
		return
	}
	m.writerRegistry.Set(float64(n))
}

func (m *storageMetrics) RecordTestvWritev(passed bool) {
	if m == nil {
		return
	}
	if passed {
		m.testvPassed.Inc()
		return
	}
	m.testvFailed.Inc()
}

var _ metrics.StorageMetrics = (*storageMetrics)(nil)
