// Package metrics provides Prometheus instrumentation for the rulez server.
//
// Collectors live in a dedicated [prometheus.Registry] so /metrics exposes
// only rulez series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	EvaluationsTotal     *prometheus.CounterVec
	EvaluationDuration   *prometheus.HistogramVec
	RegisteredProviders  prometheus.Gauge
	MetadataReloadsTotal *prometheus.CounterVec
	RuleWritesTotal      *prometheus.CounterVec
	AuthFailuresTotal    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulez_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulez_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulez_rule_evaluations_total",
			Help: "Total number of rule evaluations by outcome or error kind.",
		}, []string{"outcome"}),

		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rulez_rule_evaluation_duration_seconds",
			Help:    "Rule evaluation latency in seconds, including rule, metadata and data lookups.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"outcome"}),

		RegisteredProviders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rulez_registered_providers",
			Help: "Number of flow types with a registered data provider.",
		}),

		MetadataReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulez_metadata_reloads_total",
			Help: "Total number of metadata catalog reloads by result.",
		}, []string{"result"}),

		RuleWritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rulez_rule_writes_total",
			Help: "Total number of rule create, update and delete requests by result.",
		}, []string{"action", "result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rulez_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationDuration,
		m.RegisteredProviders,
		m.MetadataReloadsTotal,
		m.RuleWritesTotal,
		m.AuthFailuresTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency labelled by chi route pattern,
// so path parameters do not inflate label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		code := strconv.Itoa(status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(time.Since(start).Seconds())
	})
}

// ObserveEvaluation records one evaluation outcome.
func (m *Metrics) ObserveEvaluation(outcome string, elapsed time.Duration) {
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) SetRegisteredProviders(count int) {
	m.RegisteredProviders.Set(float64(count))
}

// ObserveMetadataReload counts a catalog reload; err is the reload result.
func (m *Metrics) ObserveMetadataReload(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.MetadataReloadsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRuleWrite(action string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.RuleWritesTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}
