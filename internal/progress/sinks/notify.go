package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

// NotifySink publishes a Notification for every terminal event.
type NotifySink struct {
	publisher imaging.Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink constructs a NotifySink publishing to topic.
func NewNotifySink(publisher imaging.Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events in order and returns joined failures.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		outcome, ok := evt.Outcome()
		if !ok {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, imaging.NotificationFromOutcome(outcome))
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", evt.JobID, err))
			continue
		}
		s.logger.Debug("job notification published", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}
