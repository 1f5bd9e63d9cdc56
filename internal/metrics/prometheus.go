package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/configcat/proxyload/internal/outcome"
)

// PrometheusSink exposes live run metrics on a private registry.
type PrometheusSink struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	iterations *prometheus.CounterVec
	events     *prometheus.CounterVec
	checks     *prometheus.CounterVec
}

// NewPrometheusSink registers the run metrics. activeVUs is sampled on every
// scrape; it may be nil.
func NewPrometheusSink(activeVUs func() float64) *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyload_requests_total",
				Help: "Total number of requests by protocol, scenario and outcome kind",
			},
			[]string{"protocol", "scenario", "kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxyload_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"protocol", "scenario"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyload_iterations_total",
				Help: "Total number of iterations by scenario and outcome kind",
			},
			[]string{"scenario", "kind"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyload_sse_events_total",
				Help: "Total number of server-sent events received",
			},
			[]string{"scenario"},
		),
		checks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxyload_checks_total",
				Help: "Total number of checks by result",
			},
			[]string{"scenario", "result"},
		),
	}
	s.registry.MustRegister(s.requests, s.duration, s.iterations, s.events, s.checks)
	if activeVUs != nil {
		s.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "proxyload_vus_active",
				Help: "Number of virtual users currently running or sleeping",
			},
			activeVUs,
		))
	}
	return s
}

// Observe implements Sink.
func (s *PrometheusSink) Observe(o outcome.Outcome) {
	if o.Protocol == outcome.ProtocolIteration {
		s.iterations.WithLabelValues(o.Scenario, string(o.Kind)).Inc()
		return
	}
	s.requests.WithLabelValues(string(o.Protocol), o.Scenario, string(o.Kind)).Inc()
	if o.Kind != outcome.KindCancelled {
		s.duration.WithLabelValues(string(o.Protocol), o.Scenario).Observe(o.Latency.Seconds())
	}
	if o.Events > 0 {
		s.events.WithLabelValues(o.Scenario).Add(float64(o.Events))
	}
	if o.ChecksPassed > 0 {
		s.checks.WithLabelValues(o.Scenario, "pass").Add(float64(o.ChecksPassed))
	}
	if o.ChecksFailed > 0 {
		s.checks.WithLabelValues(o.Scenario, "fail").Add(float64(o.ChecksFailed))
	}
}

// Registry returns the sink's registry.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
