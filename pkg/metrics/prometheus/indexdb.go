package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridshare/storaged/pkg/metrics"
)

// indexdbMetrics is the Prometheus implementation of indexdb.Metrics,
// mirroring badger.go's cache-hit/miss gauge-and-counter shape.
type indexdbMetrics struct {
	entriesWritten prometheus.Counter
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	readErrors     prometheus.Counter
	writeErrors    prometheus.Counter
}

// NewIndexDBMetrics returns a Prometheus-backed indexdb.Metrics, or nil if
// metrics are not enabled — indexdb.Open treats a nil Metrics as a no-op.
func NewIndexDBMetrics() *indexdbMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &indexdbMetrics{
		entriesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_indexdb_entries_written_total",
			Help: "Total visited-SI entries written to the crawler's best-effort index.",
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_indexdb_hits_total",
			Help: "Total lookups that found a storage index already marked visited this cycle.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_indexdb_misses_total",
			Help: "Total lookups that found no record, meaning the bucket is processed normally.",
		}),
		readErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_indexdb_read_errors_total",
			Help: "Total read failures against the visited-SI index, always treated as a miss.",
		}),
		writeErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "storaged_crawler_indexdb_write_errors_total",
			Help: "Total write failures against the visited-SI index, silently dropped.",
		}),
	}
}

func (m *indexdbMetrics) RecordEntryWritten() {
	if m == nil {
		return
	}
	m.entriesWritten.Inc()
}

func (m *indexdbMetrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *indexdbMetrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *indexdbMetrics) RecordReadError() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

func (m *indexdbMetrics) RecordWriteError() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}
