package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

// OutcomeRecorder persists terminal job outcomes.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, outcome imaging.Outcome) error
}

// LedgerSink writes terminal events to an OutcomeRecorder. Non-terminal
// events are ignored.
type LedgerSink struct {
	recorder OutcomeRecorder
	logger   *zap.Logger
}

// NewLedgerSink constructs a LedgerSink for the provided recorder.
func NewLedgerSink(recorder OutcomeRecorder, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{recorder: recorder, logger: logger}
}

// Consume records every terminal event in the batch. One failed row does not
// prevent the rest from being written; all failures are returned joined.
func (s *LedgerSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.recorder == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		outcome, ok := evt.Outcome()
		if !ok {
			continue
		}
		if err := s.recorder.RecordOutcome(ctx, outcome); err != nil {
			errs = append(errs, fmt.Errorf("record outcome %s: %w", outcome.JobID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *LedgerSink) Close(context.Context) error {
	return nil
}
