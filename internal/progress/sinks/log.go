package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

// LogSink emits one structured line per job event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes), zap.String("content_type", evt.ContentType))
		}
		if evt.OriginalURL != "" {
			fields = append(fields, zap.String("original_url", evt.OriginalURL))
		}
		if evt.TransformedURL != "" {
			fields = append(fields, zap.String("transformed_url", evt.TransformedURL))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Stage == progress.StageJobError {
			fields = append(fields, zap.String("error_kind", string(evt.ErrorKind)), zap.String("note", evt.Note))
			s.logger.Warn("job event", fields...)
			continue
		}
		s.logger.Info("job event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
