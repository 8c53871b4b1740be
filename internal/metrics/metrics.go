package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the automation collectors. A nil *Metrics is valid and
// records nothing, so components can run without a registry.
type Metrics struct {
	TasksGenerated   *prometheus.CounterVec
	TasksSkipped     *prometheus.CounterVec
	RuleFailures     *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	DispatchFailures *prometheus.CounterVec
	JobsProcessed    *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	TasksExpired     prometheus.Counter
	SweepRuns        *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		TasksGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_tasks_generated_total",
				Help: "Tasks created by rule generation or chaining",
			},
			[]string{"source"},
		),
		TasksSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_tasks_skipped_total",
				Help: "Rules skipped during generation",
			},
			[]string{"reason"},
		),
		RuleFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_rule_failures_total",
				Help: "Per-rule generation failures",
			},
			[]string{"reason"},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"to"},
		),
		DispatchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_dispatch_failures_total",
				Help: "Automation events that could not be enqueued",
			},
			[]string{"event"},
		),
		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_jobs_processed_total",
				Help: "Queue job executions by outcome",
			},
			[]string{"type", "outcome"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinicrm_job_duration_seconds",
				Help:    "Queue job handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		TasksExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicrm_tasks_expired_total",
				Help: "Tasks moved to OVERDUE by the sweeper",
			},
		),
		SweepRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicrm_sweep_runs_total",
				Help: "Expired task sweeps by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) TaskGenerated(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TasksGenerated.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) TaskSkipped(reason string) {
	if m == nil {
		return
	}
	m.TasksSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RuleFailed(reason string) {
	if m == nil {
		return
	}
	m.RuleFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(to string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TaskTransitions.WithLabelValues(to).Add(float64(n))
}

func (m *Metrics) DispatchFailed(event string) {
	if m == nil {
		return
	}
	m.DispatchFailures.WithLabelValues(event).Inc()
}

// JobProcessed records one handler run; outcome is completed, retried or failed.
func (m *Metrics) JobProcessed(jobType, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessed.WithLabelValues(jobType, outcome).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(took.Seconds())
}

func (m *Metrics) Swept(expired int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.SweepRuns.WithLabelValues("ok").Inc()
	if expired > 0 {
		m.TasksExpired.Add(float64(expired))
	}
}
