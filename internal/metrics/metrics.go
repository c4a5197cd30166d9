// Package metrics provides Prometheus self-instrumentation for the SDK.
//
// Each client owns a custom [prometheus.Registry] (not the global default)
// so that several clients in one process never collide and only SDK
// metrics appear on the handler returned by [Metrics.Handler].
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results recorded by RecordFetch.
const (
	FetchUpdated     = "updated"
	FetchNotModified = "not_modified"
	FetchError       = "error"
	FetchStopped     = "stopped"
)

// Evaluation results recorded by RecordEvaluation.
const (
	EvalEnabled  = "enabled"
	EvalDisabled = "disabled"
	EvalMissing  = "missing"
)

// Metrics holds all Prometheus collectors used by one SDK client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	FetchesTotal        *prometheus.CounterVec
	FetchDuration       prometheus.Histogram
	FlagsCached         prometheus.Gauge
	EvaluationsTotal    *prometheus.CounterVec
	MetricsFlushesTotal *prometheus.CounterVec
	ConsecutiveFailures prometheus.Gauge
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all SDK metrics in a fresh registry.
// constLabels are attached to every series (typically app and environment).
func New(constLabels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flagz_sdk_fetches_total",
			Help:        "Total number of flag fetch cycles by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "flagz_sdk_fetch_duration_seconds",
			Help:        "Flag fetch latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}),

		FlagsCached: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "flagz_sdk_flags_cached",
			Help:        "Number of flags in the realtime snapshot.",
			ConstLabels: constLabels,
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flagz_sdk_evaluations_total",
			Help:        "Total number of flag accesses by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),

		MetricsFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flagz_sdk_metrics_flushes_total",
			Help:        "Total number of usage bucket flushes by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),

		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "flagz_sdk_consecutive_failures",
			Help:        "Current number of consecutive failed fetches.",
			ConstLabels: constLabels,
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "flagz_sdk_http_requests_total",
			Help:        "Total number of outbound HTTP requests.",
			ConstLabels: constLabels,
		}, []string{"code", "method"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "flagz_sdk_http_request_duration_seconds",
			Help:        "Outbound HTTP request latency in seconds.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"code", "method"}),
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.FlagsCached,
		m.EvaluationsTotal,
		m.MetricsFlushesTotal,
		m.ConsecutiveFailures,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns an [http.Handler] that serves the client's metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// InstrumentRoundTripper wraps next so outbound requests are counted and
// timed.
func (m *Metrics) InstrumentRoundTripper(next http.RoundTripper) http.RoundTripper {
	if m == nil {
		return next
	}
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperCounter(m.HTTPRequestsTotal,
		promhttp.InstrumentRoundTripperDuration(m.HTTPRequestDuration, next))
}

// RecordFetch counts one fetch cycle and observes its latency.
func (m *Metrics) RecordFetch(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

// SetConsecutiveFailures updates the failure gauge.
func (m *Metrics) SetConsecutiveFailures(n int) {
	if m == nil {
		return
	}
	m.ConsecutiveFailures.Set(float64(n))
}

// SetFlagsCached updates the cached flag gauge.
func (m *Metrics) SetFlagsCached(n int) {
	if m == nil {
		return
	}
	m.FlagsCached.Set(float64(n))
}

// RecordEvaluation increments the evaluation counter. Unknown flags are
// recorded as missing.
func (m *Metrics) RecordEvaluation(exists, enabled bool) {
	if m == nil {
		return
	}
	result := EvalMissing
	switch {
	case exists && enabled:
		result = EvalEnabled
	case exists:
		result = EvalDisabled
	}
	m.EvaluationsTotal.WithLabelValues(result).Inc()
}

// RecordFlush increments the flush counter with "sent", "failed" or
// "dropped".
func (m *Metrics) RecordFlush(result string) {
	if m == nil {
		return
	}
	m.MetricsFlushesTotal.WithLabelValues(result).Inc()
}
