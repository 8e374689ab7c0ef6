package prometheus

import (
	"github.com/gridshare/storaged/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func init() {
	metrics.RegisterCrawlerMetricsConstructor(func() metrics.CrawlerMetrics {
		return NewCrawlerMetrics()
	})
}

// crawlerMetrics is the Prometheus implementation of metrics.CrawlerMetrics.
type crawlerMetrics struct {
	bucketsVisited prometheus.Counter
	cycleDuration  prometheus.Histogram
	leaseAgeDays   prometheus.Histogram
	expiryTally    *prometheus.CounterVec
	sharesDeleted  *prometheus.CounterVec
	corruptShares  *prometheus.CounterVec
}

// NewCrawlerMetrics creates a new Prometheus-backed CrawlerMetrics.
// Returns nil if metrics are not enabled.
func NewCrawlerMetrics() *crawlerMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &crawlerMetrics{
		bucketsVisited: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_buckets_visited_total",
			Help: "Total share buckets examined by the crawler across all cycles",
		}),
		cycleDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "storaged_crawler_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full 1,024-prefix crawl cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
		}),
		leaseAgeDays: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "storaged_expirer_lease_age_days",
			Help:    "Age in days of leases observed during expiration crawls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 .. ~2048 days
		}),
		expiryTally: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "storaged_expirer_tally_total",
			Help: "Lease expiration tallies by kind (examined, actual, original, configured) and share type",
		}, []string{"tally", "share_type"}),
		sharesDeleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "storaged_expirer_shares_deleted_total",
			Help: "Shares removed because their last lease expired",
		}, []string{"share_type"}),
		corruptShares: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "storaged_crawler_corrupt_shares_total",
			Help: "Shares whose header failed validation during a crawl",
		}, []string{"share_type"}),
	}
}

func (m *crawlerMetrics) RecordBucketVisited() {
	if m == nil {
		return
	}
	m.bucketsVisited.Inc()
}

func (m *crawlerMetrics) RecordCycleComplete(durationSeconds float64) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(durationSeconds)
}

func (m *crawlerMetrics) RecordLeaseAgeDays(days float64) {
	if m == nil {
		return
	}
	m.leaseAgeDays.Observe(days)
}

func (m *crawlerMetrics) RecordExpiryTally(tally string, shareType string) {
	if m == nil {
		return
	}
	m.expiryTally.WithLabelValues(tally, shareType).Inc()
}

func (m *crawlerMetrics) RecordShareDeleted(shareType string) {
	if m == nil {
		return
	}
	m.sharesDeleted.WithLabelValues(shareType).Inc()
}

func (m *crawlerMetrics) RecordCorruptShare(shareType string) {
	if m == nil {
		return
	}
	m.corruptShares.WithLabelValues(shareType).Inc()
}

var _ metrics.CrawlerMetrics = (*crawlerMetrics)(nil)
