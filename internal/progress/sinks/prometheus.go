package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-orchestrator/internal/progress"
)

// PrometheusSink exports unit lifecycle metrics via Prometheus. It owns the
// collectors for units submitted/started/completed/running and posts collected.
type PrometheusSink struct {
	unitsSubmitted *prometheus.CounterVec
	unitsStarted   *prometheus.CounterVec
	unitsCompleted *prometheus.CounterVec
	unitsRunning   prometheus.Gauge
	unitRuntime    *prometheus.HistogramVec
	postsCollected *prometheus.CounterVec

	tracker *unitTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		unitsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_units_submitted_total",
			Help: "Units handed to a worker pool, partitioned by mode.",
		}, []string{"mode"}),
		unitsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_units_started_total",
			Help: "Units picked up by a worker, partitioned by platform.",
		}, []string{"platform"}),
		unitsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_units_completed_total",
			Help: "Units finished, partitioned by platform and result.",
		}, []string{"platform", "result"}),
		unitsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_units_running",
			Help: "Current number of running units.",
		}),
		unitRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_unit_runtime_seconds",
			Help:    "Wall time per finished unit.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		postsCollected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_posts_collected_total",
			Help: "Posts collected by successful units, partitioned by platform.",
		}, []string{"platform"}),
		tracker: newUnitTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.unitsSubmitted,
		s.unitsStarted,
		s.unitsCompleted,
		s.unitsRunning,
		s.unitRuntime,
		s.postsCollected,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageUnitDone:
		return "success"
	case progress.StageUnitError:
		return "error"
	case progress.StageQuotaDenied:
		return "quota_denied"
	default:
		return "canceled"
	}
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageUnitSubmit:
		mode := evt.Mode
		if mode == "" {
			mode = "unknown"
		}
		s.unitsSubmitted.WithLabelValues(mode).Inc()
	case evt.Stage == progress.StageUnitStart:
		s.unitsStarted.WithLabelValues(evt.Platform).Inc()
		if s.tracker.start(evt.TaskID) {
			s.unitsRunning.Inc()
		}
	case evt.Stage.Terminal():
		result := resultLabel(evt.Stage)
		s.unitsCompleted.WithLabelValues(evt.Platform, result).Inc()
		if evt.Dur > 0 {
			s.unitRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if evt.Posts > 0 {
			s.postsCollected.WithLabelValues(evt.Platform).Add(float64(evt.Posts))
		}
		if s.tracker.complete(evt.TaskID) {
			s.unitsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type unitTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newUnitTracker() *unitTracker {
	return &unitTracker{running: make(map[[16]byte]struct{})}
}

func (t *unitTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *unitTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
