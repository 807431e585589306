// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. Proxied pages are slower
// than API calls, so the upper range extends to 30s.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Rewrite outcomes.
const (
	OutcomeRewritten = "rewritten"
	OutcomeOversize  = "oversize"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	DecodeErrors       *prometheus.CounterVec
	GuardRejections    *prometheus.CounterVec
	Rewrites           *prometheus.CounterVec
	RewriteURLFailures prometheus.Counter
	RewrittenBytes     prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webproxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webproxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webproxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_upstream_responses_total",
			Help: "Total upstream responses by method and status class.",
		}, []string{"method", "status_class"}),

		DecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_decode_errors_total",
			Help: "Inbound proxy URLs that could not be decoded, by codec.",
		}, []string{"codec"}),

		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_guard_rejections_total",
			Help: "Targets rejected by the access guard, by rule.",
		}, []string{"rule"}),

		Rewrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webproxy_rewrites_total",
			Help: "Rewritable bodies processed, by content kind and outcome.",
		}, []string{"kind", "outcome"}),

		RewriteURLFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webproxy_rewrite_url_failures_total",
			Help: "Embedded references left unmodified because they could not be parsed.",
		}),

		RewrittenBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webproxy_rewritten_body_bytes",
			Help:    "Size of rewritten bodies in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.DecodeErrors,
		m.GuardRejections,
		m.Rewrites,
		m.RewriteURLFailures,
		m.RewrittenBytes,
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

// StatusClass maps a status code to "1xx".."5xx".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return string(rune('0'+code/100)) + "xx"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Proxied paths carry arbitrary target URLs, so only the codec prefix is kept.
var knownPrefixes = []string{"/proxy", "/t", "/s", "/go", "/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	if path == "/" {
		return "/"
	}
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
