package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/genprogress/internal/progress"
)

// Result labels used by the task counters.
const (
	resultCompleted = "completed"
	resultFailed    = "failed"
	resultAbandoned = "abandoned"
)

// PrometheusSink exports tracker metrics via Prometheus. It owns all
// collectors for tasks started/finished/running and per-phase progress.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec

	phaseTransitions *prometheus.CounterVec
	degradedUpdates  prometheus.Counter
	overallProgress  prometheus.Histogram

	tracker *attemptTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genprogress_tasks_started_total",
			Help: "Total task attempts that began tracking.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genprogress_tasks_finished_total",
			Help: "Total task attempts finished partitioned by result.",
		}, []string{"result"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "genprogress_tasks_running",
			Help: "Current number of tracked task attempts.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genprogress_task_runtime_seconds",
			Help:    "Wall time per finished task attempt.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"result"}),
		phaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "genprogress_phase_transitions_total",
			Help: "Phase entries observed partitioned by phase id.",
		}, []string{"phase"}),
		degradedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "genprogress_degraded_updates_total",
			Help: "Updates applied while the transport was degraded.",
		}),
		overallProgress: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "genprogress_final_overall_progress",
			Help:    "Overall progress reached when an attempt finished.",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.99, 1},
		}),
		tracker: newAttemptTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.phaseTransitions,
		s.degradedUpdates,
		s.overallProgress,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		s.consumeRecord(rec)
	}
	return nil
}

func (s *PrometheusSink) consumeRecord(rec progress.Record) {
	snap := rec.Snapshot
	key := attemptKey{taskID: rec.TaskID, attemptID: snap.AttemptID}

	switch {
	case rec.Kind == progress.RecordTerminal:
		label := resultCompleted
		if rec.Outcome != nil && rec.Outcome.Kind == progress.OutcomeFailed {
			label = resultFailed
		}
		s.finish(key, rec, label)
	case snap.Mode == progress.ModeAbandoned:
		s.finish(key, rec, resultAbandoned)
	default:
		started, entered := s.tracker.observe(key, snap.CurrentPhase)
		if started {
			s.tasksStarted.Inc()
			s.tasksRunning.Inc()
		}
		if entered {
			s.phaseTransitions.WithLabelValues(snap.CurrentPhase).Inc()
		}
		if snap.Degraded {
			s.degradedUpdates.Inc()
		}
	}
}

func (s *PrometheusSink) finish(key attemptKey, rec progress.Record, label string) {
	if !s.tracker.complete(key) {
		return
	}
	s.tasksRunning.Dec()
	s.tasksFinished.WithLabelValues(label).Inc()
	if elapsed := rec.Elapsed(); elapsed > 0 {
		s.taskRuntime.WithLabelValues(label).Observe(elapsed.Seconds())
	}
	s.overallProgress.Observe(rec.Snapshot.OverallProgress)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type attemptKey struct {
	taskID    string
	attemptID string
}

// attemptTracker remembers the running attempts and their last phase.
type attemptTracker struct {
	mu      sync.Mutex
	running map[attemptKey]string
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{running: make(map[attemptKey]string)}
}

// observe records phase for key and reports whether the attempt is new and
// whether phase differs from the last one seen.
func (t *attemptTracker) observe(key attemptKey, phase string) (started, entered bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.running[key]
	t.running[key] = phase
	return !ok, !ok || last != phase
}

func (t *attemptTracker) complete(key attemptKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
