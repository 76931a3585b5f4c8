// Package metrics exposes daemon counters in Prometheus format.
//
// All recording methods are safe on a nil *Metrics, so components built
// without metrics (the one-shot run command, most tests) need no guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gitybara"

// Metrics owns a private registry and the daemon's collectors.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	runningTasks     prometheus.Gauge
	jobsByStatus     *prometheus.GaugeVec
	agentRuns        *prometheus.HistogramVec
	conflictAttempts *prometheus.CounterVec
	autoMerges       *prometheus.CounterVec
	comments         *prometheus.CounterVec
	pollCycles       prometheus.Counter
	pollErrors       *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Job status transitions.",
		}, []string{"from", "to"}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Tasks currently registered with the scheduler.",
		}),
		jobsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Jobs in the store by status.",
		}, []string{"status"}),
		agentRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_seconds",
			Help:      "Duration of coding agent runs.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"kind", "success"}),
		conflictAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflict_attempts_total",
			Help:      "Conflict resolution attempts by outcome.",
		}, []string{"outcome"}),
		autoMerges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_merges_total",
			Help:      "Auto-merge requests by result.",
		}, []string{"result"}),
		comments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comments_classified_total",
			Help:      "Classified comments by action type.",
		}, []string{"action"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles.",
		}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Poll errors by repository and stage.",
		}, []string{"repo", "stage"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.runningTasks,
		m.jobsByStatus,
		m.agentRuns,
		m.conflictAttempts,
		m.autoMerges,
		m.comments,
		m.pollCycles,
		m.pollErrors,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.runningTasks.Set(float64(n))
}

// SetJobCounts replaces the per-status job gauges.
func (m *Metrics) SetJobCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.jobsByStatus.Reset()
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// AgentRun observes one agent invocation. kind is "job" or "conflict".
func (m *Metrics) AgentRun(kind string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.agentRuns.WithLabelValues(kind, label).Observe(d.Seconds())
}

func (m *Metrics) ConflictAttempt(outcome string) {
	if m == nil {
		return
	}
	m.conflictAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AutoMerge(result string) {
	if m == nil {
		return
	}
	m.autoMerges.WithLabelValues(result).Inc()
}

func (m *Metrics) CommentClassified(action string) {
	if m == nil {
		return
	}
	m.comments.WithLabelValues(action).Inc()
}

func (m *Metrics) PollCycle() {
	if m == nil {
		return
	}
	m.pollCycles.Inc()
}

func (m *Metrics) PollError(repo, stage string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(repo, stage).Inc()
}
