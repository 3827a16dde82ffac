package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	tasksUnblocked  prometheus.Counter
	monitorOutcomes *prometheus.CounterVec
	monitorRuns     *prometheus.CounterVec
	relayDeliveries *prometheus.CounterVec

	monitorDuration prometheus.Histogram
	monitorLastRun  prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pledgeline_transitions_total",
				Help: "Task transitions by kind and result",
			},
			[]string{"kind", "result"},
		),
		tasksUnblocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pledgeline_tasks_unblocked_total",
				Help: "Tasks promoted from blocked to pending",
			},
		),
		monitorOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pledgeline_monitor_task_outcomes_total",
				Help: "Signature monitor per-task outcomes",
			},
			[]string{"outcome"},
		),
		monitorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pledgeline_monitor_runs_total",
				Help: "Signature monitor runs by trigger",
			},
			[]string{"trigger"},
		),
		relayDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pledgeline_webhook_deliveries_total",
				Help: "Event webhook deliveries by hook and result",
			},
			[]string{"hook", "result"},
		),
		monitorDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pledgeline_monitor_run_duration_seconds",
				Help:    "Signature monitor run duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		monitorLastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pledgeline_monitor_last_run_timestamp_seconds",
				Help: "Unix time the last signature monitor run finished",
			},
		),
	}
	m.registry.MustRegister(
		m.transitions,
		m.tasksUnblocked,
		m.monitorOutcomes,
		m.monitorRuns,
		m.relayDeliveries,
		m.monitorDuration,
		m.monitorLastRun,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Transition counts one transition attempt. err==nil counts as "ok".
func (m *Metrics) Transition(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transitions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Unblocked(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tasksUnblocked.Add(float64(n))
}

func (m *Metrics) MonitorOutcome(outcome string) {
	if m == nil {
		return
	}
	m.monitorOutcomes.WithLabelValues(outcome).Inc()
}

// MonitorRun records a finished monitor run.
func (m *Metrics) MonitorRun(trigger string, took time.Duration, finished time.Time) {
	if m == nil {
		return
	}
	m.monitorRuns.WithLabelValues(trigger).Inc()
	m.monitorDuration.Observe(took.Seconds())
	m.monitorLastRun.Set(float64(finished.Unix()))
}

func (m *Metrics) Delivery(hook string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.relayDeliveries.WithLabelValues(hook, result).Inc()
}
