// Package metrics provides Prometheus instrumentation for the switchboard
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only switchboard metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the switchboard server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	EvaluationsTotal    *prometheus.CounterVec
	HydrationsTotal     *prometheus.CounterVec
	TogglesTotal        *prometheus.CounterVec
	FlagsInRegistry     prometheus.Gauge
	GroupsInRegistry    prometheus.Gauge
}

// New creates and registers all switchboard metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchboard_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"matched"}),

		HydrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_flag_hydrations_total",
			Help: "Total number of upstream hydration attempts.",
		}, []string{"outcome"}),

		TogglesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_flag_toggles_total",
			Help: "Total number of flag toggles by reconciliation outcome.",
		}, []string{"outcome"}),

		FlagsInRegistry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_flags_in_registry",
			Help: "Number of flags in the in-memory registry.",
		}),

		GroupsInRegistry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "switchboard_groups_in_registry",
			Help: "Number of groups in the in-memory registry.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.HydrationsTotal,
		m.TogglesTotal,
		m.FlagsInRegistry,
		m.GroupsInRegistry,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request count and latency
// per method, route template, and status code. Paths are collapsed to their
// route templates so flag and group ids do not blow up label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		route := normalizeRoute(r.URL.Path)
		status := strconv.Itoa(recorder.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute maps a request path to its route template.
func normalizeRoute(path string) string {
	switch path {
	case "/healthz", "/metrics", "/v1/flags", "/v1/groups", "/v1/evaluate", "/v1/evaluate/batch":
		return path
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || segments[0] != "v1" {
		return "other"
	}

	switch segments[1] {
	case "flags":
		switch {
		case len(segments) == 3:
			return "/v1/flags/{id}"
		case len(segments) == 4 && segments[3] == "toggle":
			return "/v1/flags/{id}/toggle"
		case len(segments) == 4 && segments[3] == "rules":
			return "/v1/flags/{id}/rules"
		}
	case "rules":
		if len(segments) == 3 {
			return "/v1/rules/{ruleId}"
		}
	case "groups":
		if len(segments) == 3 {
			return "/v1/groups/{id}"
		}
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.written = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// RecordEvaluation increments the evaluation counter with the given outcome.
func (m *Metrics) RecordEvaluation(matched bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// RecordHydration increments the hydration counter for the given outcome.
func (m *Metrics) RecordHydration(outcome string) {
	m.HydrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordToggle increments the toggle counter for the given reconciliation
// outcome.
func (m *Metrics) RecordToggle(outcome string) {
	m.TogglesTotal.WithLabelValues(outcome).Inc()
}

// SetRegistrySizes updates the registry size gauges.
func (m *Metrics) SetRegistrySizes(flags, groups int) {
	m.FlagsInRegistry.Set(float64(flags))
	m.GroupsInRegistry.Set(float64(groups))
}
