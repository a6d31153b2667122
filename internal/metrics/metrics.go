// Package metrics provides Prometheus instrumentation for the flagkit server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagkit metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flagkit server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	EvaluationsTotal        *prometheus.CounterVec
	CacheLookupsTotal       *prometheus.CounterVec
	AuditWriteFailuresTotal prometheus.Counter
	RateLimitedTotal        prometheus.Counter
}

// New creates and registers all flagkit metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagkit_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_flag_evaluations_total",
			Help: "Total number of flag evaluations by outcome and reason.",
		}, []string{"enabled", "reason"}),

		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagkit_evaluation_cache_lookups_total",
			Help: "Evaluation cache lookups by result.",
		}, []string{"result"}),

		AuditWriteFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_audit_write_failures_total",
			Help: "Evaluation audit records that could not be stored.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagkit_rate_limited_requests_total",
			Help: "Requests rejected by the evaluation rate limiter.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.CacheLookupsTotal,
		m.AuditWriteFailuresTotal,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveHTTPRequest records one served request. route should be the mux
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordEvaluation(reason string, enabled bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(enabled), reason).Inc()
}

func (m *Metrics) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAuditFailure() {
	m.AuditWriteFailuresTotal.Inc()
}

func (m *Metrics) IncRateLimited() {
	m.RateLimitedTotal.Inc()
}
