package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/refcrawler/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{
			RunID:   runID,
			TS:      now,
			Stage:   progress.StageAttempt,
			URL:     "https://example.com/a",
			Tier:    "direct",
			Attempt: 1,
			Result:  "network_error",
			Dur:     time.Second,
		},
		{
			RunID:   runID,
			TS:      now,
			Stage:   progress.StageAttempt,
			URL:     "https://example.com/a",
			Tier:    "rendered",
			Attempt: 1,
			Result:  "ok",
			Dur:     2 * time.Second,
		},
		{
			RunID:  runID,
			TS:     now,
			Stage:  progress.StageURLDone,
			URL:    "https://example.com/a",
			Result: "rendered",
			Bytes:  2048,
			Dur:    3 * time.Second,
		},
		{RunID: runID, TS: now.Add(time.Minute), Stage: progress.StageRunDone, Dur: time.Minute},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("direct", "network_error")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("rendered", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.urlsCompleted.WithLabelValues("rendered")))
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.contentBytes.WithLabelValues("rendered")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.attemptDuration, "refcrawler_tier_attempt_duration_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
