package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics instruments the superstep runner, adapted from the
// teacher's node-oriented metrics to the superstep/task shape this engine
// actually has: gauges for in-flight tasks and frontier (task set) depth,
// a task-latency histogram, and counters for retries and interrupts.
//
// Thread-safe: counters/histograms are safe for concurrent use as-is;
// the enabled flag is mutex-guarded since Disable/Enable may race with
// in-flight recordings during tests.
type PrometheusMetrics struct {
	inflightTasks prometheus.Gauge
	stepDepth     prometheus.Gauge

	taskLatency *prometheus.HistogramVec

	retries    *prometheus.CounterVec
	interrupts *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the "pregel_"-namespaced metric family
// against registry (use prometheus.DefaultRegisterer for the global
// registry, or a fresh prometheus.NewRegistry() for test isolation).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pregel",
			Name:      "inflight_tasks",
			Help:      "Current number of tasks executing concurrently within a superstep",
		}),
		stepDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pregel",
			Name:      "step_task_count",
			Help:      "Number of tasks planned for the current superstep",
		}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pregel",
			Name:      "task_latency_ms",
			Help:      "Task execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"thread_id", "node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pregel",
			Name:      "retries_total",
			Help:      "Cumulative count of task retry attempts",
		}, []string{"thread_id", "node"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pregel",
			Name:      "interrupts_total",
			Help:      "Cumulative count of tasks that raised an interrupt",
		}, []string{"thread_id", "node"}),
	}
}

func (pm *PrometheusMetrics) RecordTaskLatency(threadID, node string, latency time.Duration, status string) {
	if !pm.isEnabled() {
		return
	}
	pm.taskLatency.WithLabelValues(threadID, node, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(threadID, node string) {
	if !pm.isEnabled() {
		return
	}
	pm.retries.WithLabelValues(threadID, node).Inc()
}

func (pm *PrometheusMetrics) IncrementInterrupts(threadID, node string) {
	if !pm.isEnabled() {
		return
	}
	pm.interrupts.WithLabelValues(threadID, node).Inc()
}

func (pm *PrometheusMetrics) SetStepTaskCount(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.stepDepth.Set(float64(n))
}

func (pm *PrometheusMetrics) SetInflightTasks(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.inflightTasks.Set(float64(n))
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// Disable temporarily stops metric recording; useful in tests that share
// a registry across cases.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}
