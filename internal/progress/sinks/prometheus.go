package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

// PrometheusSink exports job lifecycle metrics via Prometheus.
type PrometheusSink struct {
	jobsSubmitted *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobsEvicted   prometheus.Counter
	jobRuntime    *prometheus.HistogramVec
	uploadBytes   prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grayscale_jobs_submitted_total",
			Help: "Jobs accepted by the submission handler, by media type.",
		}, []string{"media_type"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grayscale_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by result and error kind.",
		}, []string{"result", "error_kind"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grayscale_jobs_running",
			Help: "Jobs submitted but not yet finished.",
		}),
		jobsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grayscale_jobs_evicted_total",
			Help: "Job records dropped by the retention policy.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grayscale_job_runtime_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grayscale_upload_bytes",
			Help:    "Size of accepted uploads in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobsEvicted,
		s.jobRuntime,
		s.uploadBytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobSubmitted:
		s.jobsSubmitted.WithLabelValues(metrics.SanitizeMediaType(evt.ContentType)).Inc()
		if evt.Bytes > 0 {
			s.uploadBytes.Observe(float64(evt.Bytes))
		}
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, "error")
	case progress.StageJobEvicted:
		s.jobsEvicted.Inc()
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsCompleted.WithLabelValues(result, string(evt.ErrorKind)).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
