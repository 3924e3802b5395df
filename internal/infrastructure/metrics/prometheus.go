// Package metrics exposes the grading pipeline's Prometheus instruments.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alem-hub/persistent-grades/internal/infrastructure/messaging"
	"github.com/alem-hub/persistent-grades/internal/infrastructure/tasks"
	"github.com/alem-hub/persistent-grades/pkg/circuitbreaker"
)

// Collector implements tasks.Metrics and messaging.Observer. Instruments
// are registered lazily on first use.
type Collector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	taskTransitions *prometheus.CounterVec
	taskAttempts    *prometheus.CounterVec
	attemptLatency  *prometheus.HistogramVec
	taskRuns        *prometheus.CounterVec
	runAttempts     *prometheus.HistogramVec

	eventsPublished *prometheus.CounterVec
	handlerRuns     *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec

	breakerState *prometheus.GaugeVec
	jobRuns      *prometheus.CounterVec
	jobLatency   *prometheus.HistogramVec
}

var (
	_ tasks.Metrics      = (*Collector)(nil)
	_ messaging.Observer = (*Collector)(nil)
)

// NewCollector creates a Collector. A nil reg uses prometheus.DefaultRegisterer;
// an empty namespace uses "grades".
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "grades"
	}
	return &Collector{reg: reg, namespace: namespace}
}

func (c *Collector) ensureRegistered() {
	c.once.Do(func() {
		c.taskTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task state transitions by task and state pair.",
		}, []string{"task", "from", "to"})

		c.taskAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "tasks",
			Name:      "attempts_total",
			Help:      "Task attempts by outcome (success, transient, fatal).",
		}, []string{"task", "outcome"})

		c.attemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "tasks",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single task attempt in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"task"})

		c.taskRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Finished task runs by final state.",
		}, []string{"task", "state"})

		c.runAttempts = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "tasks",
			Name:      "attempts_per_run",
			Help:      "Attempts consumed per task run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"task"})

		c.eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus by type.",
		}, []string{"event_type"})

		c.handlerRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "events",
			Name:      "handled_total",
			Help:      "Event handler runs by type and result.",
		}, []string{"event_type", "result"})

		c.handlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "events",
			Name:      "handler_duration_seconds",
			Help:      "Event handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"})

		c.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"})

		c.jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: c.namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and result.",
		}, []string{"job", "result"})

		c.jobLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: c.namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Scheduled job duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"})

		c.reg.MustRegister(c.taskTransitions)
		c.reg.MustRegister(c.taskAttempts)
		c.reg.MustRegister(c.attemptLatency)
		c.reg.MustRegister(c.taskRuns)
		c.reg.MustRegister(c.runAttempts)
		c.reg.MustRegister(c.eventsPublished)
		c.reg.MustRegister(c.handlerRuns)
		c.reg.MustRegister(c.handlerLatency)
		c.reg.MustRegister(c.breakerState)
		c.reg.MustRegister(c.jobRuns)
		c.reg.MustRegister(c.jobLatency)
	})
}

// ObserveTransition implements tasks.Metrics.
func (c *Collector) ObserveTransition(task, from, to string) {
	c.ensureRegistered()
	c.taskTransitions.WithLabelValues(task, from, to).Inc()
}

// ObserveAttempt implements tasks.Metrics.
func (c *Collector) ObserveAttempt(task, outcome string, duration time.Duration) {
	c.ensureRegistered()
	c.taskAttempts.WithLabelValues(task, outcome).Inc()
	c.attemptLatency.WithLabelValues(task).Observe(duration.Seconds())
}

// ObserveRun implements tasks.Metrics.
func (c *Collector) ObserveRun(task, state string, attempts int) {
	c.ensureRegistered()
	c.taskRuns.WithLabelValues(task, state).Inc()
	c.runAttempts.WithLabelValues(task).Observe(float64(attempts))
}

// ObservePublish implements messaging.Observer.
func (c *Collector) ObservePublish(eventType string) {
	c.ensureRegistered()
	c.eventsPublished.WithLabelValues(eventType).Inc()
}

// ObserveHandler implements messaging.Observer.
func (c *Collector) ObserveHandler(eventType string, duration time.Duration, err error) {
	c.ensureRegistered()
	result := "success"
	if err != nil {
		result = "error"
	}
	c.handlerRuns.WithLabelValues(eventType, result).Inc()
	c.handlerLatency.WithLabelValues(eventType).Observe(duration.Seconds())
}

// BreakerStateChanged is a circuitbreaker OnStateChange hook.
func (c *Collector) BreakerStateChanged(name string, _, to circuitbreaker.State) {
	c.ensureRegistered()
	c.breakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveJob records one scheduled job run.
func (c *Collector) ObserveJob(job string, duration time.Duration, success bool) {
	c.ensureRegistered()
	result := "success"
	if !success {
		result = "error"
	}
	c.jobRuns.WithLabelValues(job, result).Inc()
	c.jobLatency.WithLabelValues(job).Observe(duration.Seconds())
}
