package metrics

// CrawlerMetrics records crawler cycle progress and lease-expirer outcomes
// (§4.G, §4.H).
type CrawlerMetrics interface {
	// RecordBucketVisited increments the total buckets the crawler has
	// examined, across all cycles.
	RecordBucketVisited()

	// RecordCycleComplete records the wall-clock duration of one full
	// 1,024-prefix cycle.
	RecordCycleComplete(durationSeconds float64)

	// RecordLeaseAgeDays adds one observation to the lease-age histogram.
	RecordLeaseAgeDays(days float64)

	// RecordExpiryTally increments one of the four parallel expiry
	// tallies (§4.H step 4): "examined", "actual", "original", "configured".
	RecordExpiryTally(tally string, shareType string)

	// RecordShareDeleted records a share file removed because its last
	// lease expired.
	RecordShareDeleted(shareType string)

	// RecordCorruptShare records a share whose header failed to parse
	// during a crawl.
	RecordCorruptShare(shareType string)
}

var newPrometheusCrawlerMetrics func() CrawlerMetrics

// RegisterCrawlerMetricsConstructor is called from an init() in
// pkg/metrics/prometheus to wire the concrete implementation.
func RegisterCrawlerMetricsConstructor(constructor func() CrawlerMetrics) {
	newPrometheusCrawlerMetrics = constructor
}

// NewCrawlerMetrics returns the active CrawlerMetrics implementation, or nil
// if metrics are disabled or no constructor has been registered.
func NewCrawlerMetrics() CrawlerMetrics {
	if !IsEnabled() || newPrometheusCrawlerMetrics == nil {
		return nil
	}
	return newPrometheusCrawlerMetrics()
}
