package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/progress"
)

// Publisher delivers an encoded payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// OutcomeNotice is the payload published for every finished URL.
type OutcomeNotice struct {
	RunID      string    `json:"run_id"`
	URL        string    `json:"canonical_url"`
	Source     string    `json:"source"`
	RecordIDs  []string  `json:"record_ids,omitempty"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Attributes are attached to the message so subscribers can filter by source.
func (n OutcomeNotice) Attributes() map[string]string {
	return map[string]string{"run_id": n.RunID, "source": n.Source}
}

// PublishSink forwards URL completions to a topic.
type PublishSink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink builds a sink publishing to topic.
func NewPublishSink(publisher Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one notice per URL_DONE event. Every event is attempted;
// failures are joined into the returned error.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Stage != progress.StageURLDone {
			continue
		}
		notice := OutcomeNotice{
			RunID:      evt.RunUUID().String(),
			URL:        evt.URL,
			Source:     evt.Result,
			RecordIDs:  evt.RecordIDs,
			Bytes:      evt.Bytes,
			Error:      evt.Note,
			FinishedAt: evt.TS,
		}
		id, err := s.publisher.Publish(ctx, s.topic, notice)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.URL, err))
			continue
		}
		s.logger.Debug("outcome published", zap.String("url", evt.URL), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
