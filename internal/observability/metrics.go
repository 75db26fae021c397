package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/ipsbatch/pkg/orchestrator"
)

// Metrics implements orchestrator.Metrics on a private Prometheus registry.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	submitAttempts *prometheus.CounterVec
	pollPasses     prometheus.Counter
	pollDuration   prometheus.Histogram
	outstanding    prometheus.Gauge
	inFlight       prometheus.Gauge

	namespace string
	registry  *prometheus.Registry
}

// NewMetrics creates the run metrics under namespace (default "ipsbatch").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ipsbatch"
	}

	m := &Metrics{namespace: namespace, registry: prometheus.NewRegistry()}

	m.outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_outcomes_total",
			Help:      "Final job dispositions",
		},
		[]string{"disposition"},
	)
	m.submitAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submit_attempts_total",
			Help:      "Submit calls to the remote service",
		},
		[]string{"result"},
	)
	m.pollPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_passes_total",
			Help:      "Completed poll passes",
		},
	)
	m.pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_pass_duration_seconds",
			Help:      "Duration of one poll pass over submitted jobs",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
	m.outstanding = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_outstanding_jobs",
			Help:      "Jobs still running after the last poll pass",
		},
	)
	m.inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs submitted and not yet finished",
		},
	)

	m.registry.MustRegister(
		m.outcomes,
		m.submitAttempts,
		m.pollPasses,
		m.pollDuration,
		m.outstanding,
		m.inFlight,
	)
	return m
}

// Outcome counts a final disposition.
func (m *Metrics) Outcome(d orchestrator.Disposition) {
	m.outcomes.WithLabelValues(string(d)).Inc()
}

// SubmitAttempt counts one submit call.
func (m *Metrics) SubmitAttempt(failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	m.submitAttempts.WithLabelValues(result).Inc()
}

// PollPass records a poll pass.
func (m *Metrics) PollPass(d time.Duration, outstanding int) {
	m.pollPasses.Inc()
	m.pollDuration.Observe(d.Seconds())
	m.outstanding.Set(float64(outstanding))
}

// InFlight sets the submitted-jobs gauge.
func (m *Metrics) InFlight(n int) {
	m.inFlight.Set(float64(n))
}

// RegisterCounterFunc exposes an externally maintained counter, such as the
// mirror failure count.
func (m *Metrics) RegisterCounterFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: m.namespace, Name: name, Help: help},
		fn,
	))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ orchestrator.Metrics = (*Metrics)(nil)
