// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency. LLM completions routinely take
// tens of seconds, so the upper buckets go past the read timeout.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	UpstreamRetries   prometheus.Counter

	PoolSlotsInUse prometheus.Gauge
	PoolWait       prometheus.Histogram

	Rewrites *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schema_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "schema_proxy_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds, including retries and body read.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_proxy_upstream_errors_total",
			Help: "Upstream calls that ended without a response, by failure kind.",
		}, []string{"kind"}),

		UpstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schema_proxy_upstream_retries_total",
			Help: "Connection-level retries performed by the upstream pool.",
		}),

		PoolSlotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "schema_proxy_upstream_pool_slots_in_use",
			Help: "Upstream pool slots currently held by requests.",
		}),

		PoolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schema_proxy_upstream_pool_wait_seconds",
			Help:    "Time spent waiting for a free upstream pool slot.",
			Buckets: defaultBuckets,
		}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_proxy_body_rewrites_total",
			Help: "Bodies in which the json_schema token was rewritten, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.UpstreamRetries,
		m.PoolSlotsInUse,
		m.PoolWait,
		m.Rewrites,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label. Every proxied path matches the
// same catch-all route, so the matched route pattern is used instead of the
// request path; requests that matched no route are labeled "other".
func NormalizeRoute(route string) string {
	if route == "" {
		return "other"
	}
	return route
}
