package commands

import (
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/gridshare/storaged/pkg/storage/crawler/indexdb"

	promimpl "github.com/gridshare/storaged/pkg/metrics/prometheus"
)

// prometheusRegistry returns a fresh registry for metrics.InitRegistry.
func prometheusRegistry() *stdprometheus.Registry {
	return stdprometheus.NewRegistry()
}

// indexDBMetrics returns the active indexdb.Metrics implementation, built
// after metrics.InitRegistry so promimpl.NewIndexDBMetrics observes the
// enabled registry. A nil *indexdbMetrics wrapped in the interface is still
// safe here since every recorder method nil-guards on its receiver.
func indexDBMetrics() indexdb.Metrics {
	return promimpl.NewIndexDBMetrics()
}
