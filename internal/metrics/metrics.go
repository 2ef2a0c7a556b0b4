// Package metrics exposes run outcomes as Prometheus metrics written to a
// node_exporter textfile.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/shipforge/internal/task"
)

// Collector accumulates metrics for one process.
type Collector struct {
	reg          *prometheus.Registry
	runs         *prometheus.CounterVec
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
	lastRun      *prometheus.GaugeVec
	lastSuccess  *prometheus.GaugeVec
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipforge_runs_total",
			Help: "Runs by macro, status and failure kind.",
		}, []string{"macro", "status", "kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipforge_task_executions_total",
			Help: "Task executions by task, endpoint and state.",
		}, []string{"task", "endpoint", "state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipforge_task_duration_seconds",
			Help:    "Duration of task executions.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"task"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipforge_run_duration_seconds",
			Help:    "Duration of whole runs.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}, []string{"macro"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipforge_last_run_timestamp_seconds",
			Help: "Unix time the last run of a macro finished.",
		}, []string{"macro"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shipforge_last_run_success",
			Help: "1 if the last run of a macro succeeded, 0 otherwise.",
		}, []string{"macro"}),
	}
	c.reg.MustRegister(c.runs, c.tasks, c.taskDuration, c.runDuration, c.lastRun, c.lastSuccess)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Observe records controller events. It is safe to pass as OnEvent.
func (c *Collector) Observe(ev task.Event) {
	switch ev.Type {
	case task.EventTaskFinished:
		for _, r := range ev.Results {
			c.ObserveResult(r)
		}
	case task.EventRunFinished:
		if ev.Report != nil {
			c.ObserveReport(ev.Report)
		}
	}
}

// ObserveResult records one task execution.
func (c *Collector) ObserveResult(r task.Result) {
	state := "succeeded"
	if r.Failed() {
		state = "failed"
	}
	c.tasks.WithLabelValues(r.TaskID, r.Endpoint, state).Inc()
	c.taskDuration.WithLabelValues(r.TaskID).Observe(r.Duration.Seconds())
}

// ObserveReport records a finished run.
func (c *Collector) ObserveReport(r *task.Report) {
	kind := string(r.FailureKind)
	c.runs.WithLabelValues(r.Macro, string(r.Status), kind).Inc()
	c.runDuration.WithLabelValues(r.Macro).Observe(r.Duration.Seconds())
	c.lastRun.WithLabelValues(r.Macro).Set(float64(r.EndedAt.Unix()))
	success := 0.0
	if r.Succeeded() {
		success = 1
	}
	c.lastSuccess.WithLabelValues(r.Macro).Set(success)
}

// WriteTextfile writes the current metrics atomically to path.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
