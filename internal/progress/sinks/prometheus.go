package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/refcrawler/internal/progress"
)

// PrometheusSink exports run progress via Prometheus. It owns collectors for
// runs, per-tier attempts and per-source URL completions.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runRuntime    prometheus.Histogram

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec

	urlsCompleted *prometheus.CounterVec
	contentBytes  *prometheus.CounterVec
	urlDuration   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refcrawler_runs_started_total",
			Help: "Total fetch runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refcrawler_runs_completed_total",
			Help: "Total fetch runs that have completed.",
		}),
		runRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "refcrawler_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 14400},
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcrawler_tier_attempts_total",
			Help: "Tier attempts partitioned by tier and result.",
		}, []string{"tier", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refcrawler_tier_attempt_duration_seconds",
			Help:    "Attempt duration partitioned by tier.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tier"}),
		urlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcrawler_urls_completed_total",
			Help: "Canonical URLs completed partitioned by outcome source.",
		}, []string{"source"}),
		contentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refcrawler_content_bytes_total",
			Help: "Content bytes stored partitioned by outcome source.",
		}, []string{"source"}),
		urlDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refcrawler_url_duration_seconds",
			Help:    "Time from first attempt to terminal state per URL.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"source"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runRuntime,
		s.attempts,
		s.attemptDuration,
		s.urlsCompleted,
		s.contentBytes,
		s.urlDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.runsCompleted.Inc()
			if evt.Dur > 0 {
				s.runRuntime.Observe(evt.Dur.Seconds())
			}
		case progress.StageAttempt:
			s.attempts.WithLabelValues(evt.Tier, evt.Result).Inc()
			if evt.Dur > 0 {
				s.attemptDuration.WithLabelValues(evt.Tier).Observe(evt.Dur.Seconds())
			}
		case progress.StageURLDone:
			s.urlsCompleted.WithLabelValues(evt.Result).Inc()
			if evt.Bytes > 0 {
				s.contentBytes.WithLabelValues(evt.Result).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.urlDuration.WithLabelValues(evt.Result).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
