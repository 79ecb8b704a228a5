// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for relay latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration    *prometheus.HistogramVec
	UpstreamResponses   *prometheus.CounterVec
	UpstreamErrors      *prometheus.CounterVec
	UpstreamConnections *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "open_proxy_http_requests_total",
			Help: "Total inbound HTTP requests relayed.",
		}, []string{"method", "status_code", "scheme"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "open_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "scheme"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_proxy_http_requests_in_flight",
			Help: "Number of relay operations currently in progress.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "open_proxy_upstream_request_duration_seconds",
			Help:    "Origin round-trip latency in seconds, including body transfer.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "open_proxy_upstream_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "open_proxy_upstream_errors_total",
			Help: "Total failed relays by failure kind.",
		}, []string{"kind"}),

		UpstreamConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "open_proxy_upstream_connections_total",
			Help: "Origin connections obtained from the pool, by whether they were reused.",
		}, []string{"reused"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.UpstreamConnections,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Extension methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeScheme returns a bounded scheme label.
func NormalizeScheme(scheme string) string {
	switch scheme {
	case "http", "https":
		return scheme
	}
	return "other"
}
