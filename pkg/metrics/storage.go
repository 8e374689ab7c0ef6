package metrics

// StorageMetrics records top-level storage-server operation outcomes (§4.E).
type StorageMetrics interface {
	// RecordAllocate records one allocate_buckets call: the number of
	// shnums requested and the number of them allocated as new writers.
	RecordAllocate(requested int, accepted int)

	// RecordAddLease records one add_lease call against an SI with at
	// least one existing share.
	RecordAddLease()

	// RecordDiskAvailable reports the current available-for-allocation
	// byte budget (post reserved-space floor).
	RecordDiskAvailable(bytes int64)

	// RecordWriterRegistrySize reports the number of live in-progress
	// BucketWriters across all storage indices.
	RecordWriterRegistrySize(n int)

	// RecordTestvWritev records one slot_testv_and_readv_and_writev call
	// and whether its test vector passed.
	RecordTestvWritev(passed bool)
}

var newPrometheusStorageMetrics func() StorageMetrics

// RegisterStorageMetricsConstructor is called from an init() in
// pkg/metrics/prometheus to wire the concrete implementation.
func RegisterStorageMetricsConstructor(constructor func() StorageMetrics) {
	newPrometheusStorageMetrics = constructor
}

// NewStorageMetrics returns the active StorageMetrics implementation, or nil
// if metrics are disabled or no constructor has been registered.
func NewStorageMetrics() StorageMetrics {
	if !IsEnabled() || newPrometheusStorageMetrics == nil {
		return nil
	}
	return newPrometheusStorageMetrics()
}
