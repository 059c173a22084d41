// Package prometheus exports manager and runner measurements as Prometheus
// collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	taskmanager "github.com/Swind/go-task-manager"
	"github.com/Swind/go-task-manager/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter implements both taskmanager.Metrics (runs) and
// core.Metrics (the closures the executors schedule).
type MetricsExporter struct {
	runsStarted      *prom.CounterVec
	runsFinished     *prom.CounterVec
	runDuration      *prom.HistogramVec
	progressEvents   *prom.CounterVec
	executorLost     *prom.CounterVec
	runnerDuration   *prom.HistogramVec
	runnerPanics     *prom.CounterVec
	runnerRejections *prom.CounterVec
	runnerQueueDepth *prom.GaugeVec
}

var (
	_ taskmanager.Metrics = (*MetricsExporter)(nil)
	_ core.Metrics        = (*MetricsExporter)(nil)
)

// NewMetricsExporter creates and registers the collectors. Registering twice
// on the same registerer reuses the existing collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskmanager"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	m := &MetricsExporter{
		runsStarted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs dispatched to an executor.",
		}, []string{"strategy"}),
		runsFinished: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"strategy", "state"}),
		runDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from dispatch to terminal state.",
			Buckets:   buckets,
		}, []string{"strategy", "state"}),
		progressEvents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Non-terminal progress events emitted.",
		}, []string{"strategy"}),
		executorLost: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "executor_lost_total",
			Help:      "Runs failed because their executor was lost.",
		}, []string{"strategy"}),
		runnerDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_task_duration_seconds",
			Help:      "Closure execution duration on a runner.",
			Buckets:   buckets,
		}, []string{"runner"}),
		runnerPanics: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runner_task_panic_total",
			Help:      "Closures that panicked on a runner.",
		}, []string{"runner"}),
		runnerRejections: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "runner_task_rejected_total",
			Help:      "Closures rejected by a closed runner.",
		}, []string{"runner", "reason"}),
		runnerQueueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "runner_queue_depth",
			Help:      "Current runner queue depth.",
		}, []string{"runner"}),
	}

	var err error
	if m.runsStarted, err = registerCollector(reg, m.runsStarted); err != nil {
		return nil, err
	}
	if m.runsFinished, err = registerCollector(reg, m.runsFinished); err != nil {
		return nil, err
	}
	if m.runDuration, err = registerCollector(reg, m.runDuration); err != nil {
		return nil, err
	}
	if m.progressEvents, err = registerCollector(reg, m.progressEvents); err != nil {
		return nil, err
	}
	if m.executorLost, err = registerCollector(reg, m.executorLost); err != nil {
		return nil, err
	}
	if m.runnerDuration, err = registerCollector(reg, m.runnerDuration); err != nil {
		return nil, err
	}
	if m.runnerPanics, err = registerCollector(reg, m.runnerPanics); err != nil {
		return nil, err
	}
	if m.runnerRejections, err = registerCollector(reg, m.runnerRejections); err != nil {
		return nil, err
	}
	if m.runnerQueueDepth, err = registerCollector(reg, m.runnerQueueDepth); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRunStarted implements taskmanager.Metrics.
func (m *MetricsExporter) RecordRunStarted(strategy taskmanager.Strategy) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(strategy.String()).Inc()
}

// RecordProgress implements taskmanager.Metrics.
func (m *MetricsExporter) RecordProgress(strategy taskmanager.Strategy) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(strategy.String()).Inc()
}

// RecordRunFinished implements taskmanager.Metrics.
func (m *MetricsExporter) RecordRunFinished(strategy taskmanager.Strategy, state taskmanager.TaskState, d time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(strategy.String(), state.String()).Inc()
	m.runDuration.WithLabelValues(strategy.String(), state.String()).Observe(d.Seconds())
}

// RecordExecutorLost implements taskmanager.Metrics.
func (m *MetricsExporter) RecordExecutorLost(strategy taskmanager.Strategy) {
	if m == nil {
		return
	}
	m.executorLost.WithLabelValues(strategy.String()).Inc()
}

// RecordTaskDuration implements core.Metrics.
func (m *MetricsExporter) RecordTaskDuration(runnerName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runnerDuration.WithLabelValues(normalizeLabel(runnerName, "unknown")).Observe(duration.Seconds())
}

// RecordTaskPanic implements core.Metrics.
func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.runnerPanics.WithLabelValues(normalizeLabel(runnerName, "unknown")).Inc()
}

// RecordQueueDepth implements core.Metrics.
func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.runnerQueueDepth.WithLabelValues(normalizeLabel(runnerName, "unknown")).Set(float64(depth))
}

// RecordTaskRejected implements core.Metrics.
func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.runnerRejections.WithLabelValues(normalizeLabel(runnerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
