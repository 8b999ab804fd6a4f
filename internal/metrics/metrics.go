// Package metrics is the L10 counter/gauge registry of §3/§6: per-host
// request/outcome counters, circuit-state gauges, and rate histograms,
// built on the teacher's Prometheus stack (internal/ratelimiter/telemetry/churn
// uses client_golang the same way — global counters/gauges plus a
// histogram for a bounded-cardinality distribution). Unlike the teacher's
// package-level `init()`-registered globals, collectors here are built
// per-Registry and registered explicitly, so a process can run more than
// one (or a test can construct one without a global registration panic).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"politefetch/internal/breaker"
	"politefetch/internal/errtax"
)

// Registry owns every Prometheus collector this module exposes.
type Registry struct {
	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
	currentRPS      *prometheus.GaugeVec
	requestDuration *prometheus.HistogramVec
}

// circuitStateValue maps a breaker.State to the numeric gauge value §6's
// dashboards expect (closed=0, half_open=1, open=2).
func circuitStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// New constructs a Registry. Call Register to attach it to a
// prometheus.Registerer (e.g. prometheus.DefaultRegisterer).
func New() *Registry {
	return &Registry{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "politefetch_requests_total",
			Help: "Total fetch attempts, labeled by host and outcome (success/failure).",
		}, []string{"host", "outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "politefetch_errors_total",
			Help: "Total fetch errors, labeled by host and error kind.",
		}, []string{"host", "kind"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "politefetch_retries_total",
			Help: "Total retry attempts scheduled, labeled by host.",
		}, []string{"host"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "politefetch_circuit_state",
			Help: "Current circuit breaker state per host (0=closed, 1=half_open, 2=open).",
		}, []string{"host"}),
		currentRPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "politefetch_current_rps",
			Help: "Current adaptive requests-per-second allowance per host.",
		}, []string{"host"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "politefetch_request_duration_ms",
			Help:    "Fetch request duration in milliseconds, labeled by host.",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"host"}),
	}
}

// Register attaches every collector to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.requestsTotal, r.errorsTotal, r.retriesTotal,
		r.circuitState, r.currentRPS, r.requestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records one completed fetch attempt.
func (r *Registry) ObserveRequest(host string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.requestsTotal.WithLabelValues(host, outcome).Inc()
}

// ObserveError records one classified failure.
func (r *Registry) ObserveError(host string, kind errtax.Kind) {
	r.errorsTotal.WithLabelValues(host, string(kind)).Inc()
}

// ObserveRetry records one retry attempt scheduled for host.
func (r *Registry) ObserveRetry(host string) {
	r.retriesTotal.WithLabelValues(host).Inc()
}

// ObserveDuration records one fetch's elapsed time.
func (r *Registry) ObserveDuration(host string, elapsed time.Duration) {
	r.requestDuration.WithLabelValues(host).Observe(float64(elapsed.Milliseconds()))
}

// SetCircuitState publishes host's current circuit state.
func (r *Registry) SetCircuitState(host string, state breaker.State) {
	r.circuitState.WithLabelValues(host).Set(circuitStateValue(state))
}

// SetCurrentRPS publishes host's current adaptive RPS allowance.
func (r *Registry) SetCurrentRPS(host string, rps float64) {
	r.currentRPS.WithLabelValues(host).Set(rps)
}
