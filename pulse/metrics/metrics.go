// Package metrics holds the prometheus instrumentation for the scheduler,
// the worker pool and the ingestion engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const MetricPrefix = "ingestd_"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	claims         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	sweptLeases    prometheus.Counter
	promoted       prometheus.Counter
	scheduled      prometheus.Counter
	tickErrors     prometheus.Counter
	workersActive  prometheus.Gauge
	engineRuns     *prometheus.CounterVec
	engineDuration *prometheus.HistogramVec
	ingestFailures *prometheus.CounterVec
	triggerRuns    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "claims_total",
			Help: "Claim attempts by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "instance_transitions_total",
			Help: "Job instance status changes by resulting status",
		}, []string{"status"}),
		sweptLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "swept_leases_total",
			Help: "Leases force-released after their timeout",
		}),
		promoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "promoted_instances_total",
			Help: "Instances moved from UNASSIGNED to SCHEDULED",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "periodic_instances_total",
			Help: "Instances created by the periodic re-scheduler",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "tick_errors_total",
			Help: "Scheduler ticks that ended with an error",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPrefix + "workers_active",
			Help: "Workers currently executing an instance",
		}),
		engineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "engine_runs_total",
			Help: "Controller runs by controller and final status",
		}, []string{"controller", "status"}),
		engineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricPrefix + "engine_run_duration_seconds",
			Help:    "Controller run duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"controller"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "ingestion_failures_total",
			Help: "Record-level ingestion failures by severity",
		}, []string{"severity"}),
		triggerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "trigger_runs_total",
			Help: "Trigger runs by result",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.claims, m.transitions, m.sweptLeases, m.promoted, m.scheduled, m.tickErrors,
			m.workersActive, m.engineRuns, m.engineDuration, m.ingestFailures, m.triggerRuns,
		)
	}
	return m
}

func (m *Metrics) ClaimAttempt(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) LeaseSwept() {
	if m == nil {
		return
	}
	m.sweptLeases.Inc()
}

func (m *Metrics) Promoted(n int) {
	if m == nil {
		return
	}
	m.promoted.Add(float64(n))
}

func (m *Metrics) PeriodicScheduled() {
	if m == nil {
		return
	}
	m.scheduled.Inc()
}

func (m *Metrics) TickError() {
	if m == nil {
		return
	}
	m.tickErrors.Inc()
}

func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.workersActive.Inc()
}

func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.workersActive.Dec()
}

// EngineRun records a finished controller run
func (m *Metrics) EngineRun(controller, status string, seconds float64) {
	if m == nil {
		return
	}
	m.engineRuns.WithLabelValues(controller, status).Inc()
	m.engineDuration.WithLabelValues(controller).Observe(seconds)
}

func (m *Metrics) IngestionFailure(severity string) {
	if m == nil {
		return
	}
	m.ingestFailures.WithLabelValues(severity).Inc()
}

func (m *Metrics) TriggerRun(result string) {
	if m == nil {
		return
	}
	m.triggerRuns.WithLabelValues(result).Inc()
}
