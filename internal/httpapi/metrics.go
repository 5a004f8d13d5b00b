package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the narrow set of instrumentation points spec.md §6 assigns
// to the core: request counts, auth attempt/outcome, rate-limit denials,
// active identity gauge. Exposition format is the collaborator's concern
// (promhttp.Handler, wired in server.go).
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authAttempts    *prometheus.CounterVec
	rateLimited     *prometheus.CounterVec
	activeIdentities prometheus.Gauge
}

// NewMetrics registers MCP Guard's counters/histograms/gauge on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpguard_http_requests_total",
			Help: "Total HTTP requests handled, by route and status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpguard_auth_attempts_total",
			Help: "Authentication attempts, by outcome.",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		activeIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpguard_active_identities",
			Help: "Number of identities currently tracked by the rate limiter.",
		}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration, m.authAttempts, m.rateLimited, m.activeIdentities)
	return m
}

func (m *Metrics) observeRequest(route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, status).Inc()
	m.requestDuration.WithLabelValues(route).Observe(seconds)
}

func (m *Metrics) observeAuth(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeRateLimited(scope string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(scope).Inc()
}

func (m *Metrics) setActiveIdentities(n float64) {
	if m == nil {
		return
	}
	m.activeIdentities.Set(n)
}
