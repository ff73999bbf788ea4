package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "route_proxy"

// Metrics holds the Prometheus collectors for one server. Each server owns
// its registry so several can run in one process. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	upstream      *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	costUSD       *prometheus.CounterVec
	activeStreams prometheus.Gauge
}

// NewMetrics registers the proxy collectors plus the Go runtime and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration, including the full stream for SSE responses.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"method", "route"}),
		upstream: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by upstream providers.",
		}, []string{"provider", "direction"}),
		costUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cost_usd_total",
			Help:      "Estimated spend in USD.",
		}, []string{"provider"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Streaming responses currently open.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.upstream,
		m.tokens,
		m.costUSD,
		m.activeStreams,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts and times requests. Routes are labelled by the matched
// mux pattern to keep label cardinality bounded.
func (m *Metrics) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}

			m.requests.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
			m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// ObserveUpstream counts one upstream call; outcome is "ok" or an error type.
func (m *Metrics) ObserveUpstream(provider, outcome string) {
	if m == nil {
		return
	}

	m.upstream.WithLabelValues(provider, outcome).Inc()
}

// ObserveUsage adds reported tokens and estimated cost.
func (m *Metrics) ObserveUsage(provider string, inputTokens, outputTokens int, costUSD float64) {
	if m == nil {
		return
	}

	m.tokens.WithLabelValues(provider, "input").Add(float64(max(inputTokens, 0)))
	m.tokens.WithLabelValues(provider, "output").Add(float64(max(outputTokens, 0)))
	m.costUSD.WithLabelValues(provider).Add(max(costUSD, 0))
}

// StreamOpened and StreamClosed track open SSE responses.
func (m *Metrics) StreamOpened() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) StreamClosed() {
	if m != nil {
		m.activeStreams.Dec()
	}
}
