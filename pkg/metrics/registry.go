// Package metrics defines backend-agnostic metrics interfaces for the
// storage-server core. Concrete collectors live in pkg/metrics/prometheus
// and register themselves via the Register*Constructor hooks below, so
// that packages needing metrics (pkg/storage/server, pkg/storage/crawler,
// pkg/storage/expirer) never import prometheus directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	enabled  bool
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection against reg. Passing nil disables
// metrics collection; all New*Metrics() calls then return nil, and every
// recorder method on a nil metrics value is a no-op.
func InitRegistry(reg *prometheus.Registry) {
	registry = reg
	enabled = reg != nil
}

// IsEnabled reports whether InitRegistry has been called with a non-nil registry.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the active registry, or a fresh throwaway registry if
// metrics have not been initialized (so callers can register collectors
// unconditionally without a nil check).
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return prometheus.NewRegistry()
	}
	return registry
}
