// Package metrics exposes Prometheus instruments for the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

const namespace = "crafter"

// Metrics holds every instrument on its own registry.
type Metrics struct {
	reg *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	verdicts      *prometheus.CounterVec
	threads       *prometheus.GaugeVec
	toolCalls     *prometheus.CounterVec
	queueDepth    prometheus.Gauge
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stage_runs_total",
			Help: "Stage invocations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "stage_duration_seconds",
			Help:    "Wall time of stage invocations.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transitions_total",
			Help: "Persisted thread state transitions.",
		}, []string{"from", "to"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sentinel_verdicts_total",
			Help: "Sentinel verdicts by status and source.",
		}, []string{"status", "source"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "threads",
			Help: "Threads per state at the last reconciliation.",
		}, []string{"state"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool calls made by stages.",
		}, []string{"stage", "tool", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Jobs waiting in the orchestrator queue.",
		}),
	}
	reg.MustRegister(m.stageRuns, m.stageDuration, m.transitions, m.verdicts, m.threads, m.toolCalls, m.queueDepth)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage protocol.Stage, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.stageRuns.WithLabelValues(string(stage), outcome).Inc()
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// Transition records a persisted state change.
func (m *Metrics) Transition(from, to protocol.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Verdict records a Sentinel verdict.
func (m *Metrics) Verdict(status, source string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(status, source).Inc()
}

// StageEvent records tool calls reported by a stage run.
func (m *Metrics) StageEvent(ev protocol.StageEvent) {
	if m == nil || ev.Kind != protocol.EventToolResult || ev.Call == nil {
		return
	}
	outcome := "ok"
	if ev.Err != "" {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(string(ev.Stage), ev.Call.Name, outcome).Inc()
}

// SetThreadCounts replaces the per-state thread gauge.
func (m *Metrics) SetThreadCounts(counts map[protocol.State]int) {
	if m == nil {
		return
	}
	for _, s := range protocol.States {
		m.threads.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetQueueDepth records the number of pending jobs.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
