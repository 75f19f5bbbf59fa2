// Package metrics exposes scheduler activity as Prometheus collectors.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "llmsched"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.0125, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 20.0,
	30.0, 60.0, 120.0, 300.0,
}

// Attempt outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeTransient = "transient"
	OutcomeRejection = "rejection"
)

// Recorder holds the scheduler collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	requests          *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	attemptLatency    *prometheus.HistogramVec
	failovers         *prometheus.CounterVec
	degraded          *prometheus.GaugeVec
	metadataRefreshes *prometheus.CounterVec
	streamErrors      *prometheus.CounterVec
	cost              *prometheus.CounterVec
}

// New registers the scheduler collectors with reg. Collectors already
// registered by an earlier Recorder are reused, so a scheduler rebuilt on
// config reload keeps counting into the same series.
func New(reg prometheus.Registerer) *Recorder {
	f := factory{reg: reg}
	return &Recorder{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Scheduler calls by mode and final status",
		}, []string{"mode", "status"}),

		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Backend attempts by outcome",
		}, []string{"backend", "outcome"}),

		attemptLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_attempt_latency_seconds",
			Help:      "Latency of single backend attempts in seconds",
			Buckets:   LatencyBuckets,
		}, []string{"backend"}),

		failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Times the scheduler moved on from a backend to the next candidate",
		}, []string{"backend"}),

		degraded: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_degraded",
			Help:      "1 when the backend is currently degraded",
		}, []string{"backend"}),

		metadataRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_refreshes_total",
			Help:      "Model list refreshes by result",
		}, []string{"backend", "result"}),

		streamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Streams terminated by a mid-stream backend failure",
		}, []string{"backend"}),

		cost: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_cost_total",
			Help:      "Accumulated cost of successful responses",
		}, []string{"backend"}),
	}
}

type factory struct {
	reg prometheus.Registerer
}

func (f factory) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(f.reg, prometheus.NewCounterVec(opts, labels))
}

func (f factory) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	return register(f.reg, prometheus.NewGaugeVec(opts, labels))
}

func (f factory) NewHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	return register(f.reg, prometheus.NewHistogramVec(opts, labels))
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Request records the final status of one Chat or ChatStream call.
func (r *Recorder) Request(mode, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(mode, status).Inc()
}

// Attempt records one backend attempt.
func (r *Recorder) Attempt(backend, outcome string, latency time.Duration) {
	if r == nil {
		return
	}
	r.attempts.WithLabelValues(backend, outcome).Inc()
	r.attemptLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// Failover records leaving backend for the next candidate.
func (r *Recorder) Failover(backend string) {
	if r == nil {
		return
	}
	r.failovers.WithLabelValues(backend).Inc()
}

// Degraded sets the degraded gauge of backend.
func (r *Recorder) Degraded(backend string, degraded bool) {
	if r == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	r.degraded.WithLabelValues(backend).Set(v)
}

// MetadataRefresh records a model list refresh.
func (r *Recorder) MetadataRefresh(backend string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.metadataRefreshes.WithLabelValues(backend, result).Inc()
}

// StreamError records a mid-stream failure.
func (r *Recorder) StreamError(backend string) {
	if r == nil {
		return
	}
	r.streamErrors.WithLabelValues(backend).Inc()
}

// Cost adds the cost of a successful response.
func (r *Recorder) Cost(backend string, amount float64) {
	if r == nil || amount <= 0 {
		return
	}
	r.cost.WithLabelValues(backend).Add(amount)
}
