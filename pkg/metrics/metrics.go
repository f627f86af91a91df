// Package metrics provides Prometheus metrics for the broker client and the
// consumer pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes the metrics of the easybus binaries.
const Namespace = "easybus"

// Registry is the process-wide registry served by Handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewBuildInfoCollector(),
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor serves the metrics gathered from g. Collection errors are
// reported as HTTP 500 so scrapes never see a partial snapshot.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.HTTPErrorOnError,
	})
}

// MustRegister registers collectors with Registry and panics if one is
// already registered.
func MustRegister(cs ...prometheus.Collector) {
	Registry.MustRegister(cs...)
}
