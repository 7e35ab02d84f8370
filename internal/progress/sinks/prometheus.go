package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seclens/cvewatch/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns the
// collectors for runs started/completed/running and per-job stage counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	stageEvents   *prometheus.CounterVec
	jobPercent    *prometheus.GaugeVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cvewatch_progress_runs_started_total",
			Help: "Total crawl runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvewatch_progress_runs_completed_total",
			Help: "Total crawl runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cvewatch_progress_runs_running",
			Help: "Current number of running crawl runs.",
		}),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cvewatch_progress_stage_events_total",
			Help: "Progress events partitioned by job and stage.",
		}, []string{"job", "stage"}),
		jobPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cvewatch_progress_job_percent",
			Help: "Most recent reported completion percentage per job.",
		}, []string{"job"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.stageEvents,
		s.jobPercent,
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

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	s.stageEvents.WithLabelValues(evt.Job, evt.Stage).Inc()
	s.jobPercent.WithLabelValues(evt.Job).Set(float64(evt.Percent))

	key := runKey{id: evt.RunID, job: evt.Job}
	switch evt.Stage {
	case progress.StageStarting:
		s.runsStarted.Inc()
		if s.tracker.start(key) {
			s.runsRunning.Inc()
		}
	case progress.StageDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		if s.tracker.complete(key) {
			s.runsRunning.Dec()
		}
	case progress.StageError:
		s.runsCompleted.WithLabelValues("error").Inc()
		if s.tracker.complete(key) {
			s.runsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runKey struct {
	id  uuid.UUID
	job string
}

type runTracker struct {
	mu      sync.Mutex
	running map[runKey]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[runKey]struct{})}
}

func (t *runTracker) start(key runKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *runTracker) complete(key runKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
