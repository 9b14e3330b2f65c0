package sinks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/progress"
)

// LogSink emits structured logs for progress streams. Attempts are logged at
// debug level; every Every completed URLs it logs a running tally.
type LogSink struct {
	logger *zap.Logger
	every  int

	mu       sync.Mutex
	done     int
	bySource map[string]int
}

// NewLogSink wires a Zap logger to the sink interface. every <= 0 disables
// the periodic tally.
func NewLogSink(logger *zap.Logger, every int) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger, every: every, bySource: make(map[string]int)}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.logger.Info("run started", zap.String("run_id", evt.RunUUID().String()), zap.String("note", evt.Note))
		case progress.StageRunDone:
			s.logger.Info("run finished",
				zap.String("run_id", evt.RunUUID().String()),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		case progress.StageAttempt:
			s.logger.Debug("tier attempt",
				zap.String("url", evt.URL),
				zap.String("tier", evt.Tier),
				zap.Int("attempt", evt.Attempt),
				zap.String("result", evt.Result),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		case progress.StageURLDone:
			s.urlDone(evt)
		}
	}
	return nil
}

func (s *LogSink) urlDone(evt progress.Event) {
	fields := []zap.Field{
		zap.String("url", evt.URL),
		zap.String("source", evt.Result),
		zap.String("status_class", string(evt.StatusClass)),
		zap.Int64("bytes", evt.Bytes),
		zap.Duration("dur", evt.Dur),
		zap.Strings("record_ids", evt.RecordIDs),
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("error", evt.Note))
	}
	s.logger.Info("url finished", fields...)

	s.mu.Lock()
	s.done++
	s.bySource[evt.Result]++
	report := s.every > 0 && s.done%s.every == 0
	done := s.done
	tally := make(map[string]int, len(s.bySource))
	for k, v := range s.bySource {
		tally[k] = v
	}
	s.mu.Unlock()

	if report {
		s.logger.Info("progress", zap.Int("completed", done), zap.Any("by_source", tally))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
