package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/clock/system"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

const (
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 2 * time.Minute
)

// ErrPollTimeout means the job was still processing when the wait budget ran out.
var ErrPollTimeout = errors.New("timed out waiting for job")

// JobFailedError reports a job that reached the failed state.
type JobFailedError struct {
	Status Status
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s failed (%s): %s", e.Status.JobID, e.Status.ErrorKind, e.Status.Error)
}

// StatusSource is the subset of Client the poller needs.
type StatusSource interface {
	Status(ctx context.Context, jobID string) (Status, error)
}

// Poller waits for jobs to finish by polling their status.
type Poller struct {
	source   StatusSource
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	clock    imaging.Clock
}

// NewPoller constructs a Poller; zero durations fall back to 3s and 2m.
func NewPoller(source StatusSource, interval, timeout time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{source: source, interval: interval, timeout: timeout, logger: logger, clock: system.New()}
}

// WithClock replaces the clock used for the wait deadline.
func (p *Poller) WithClock(clock imaging.Clock) *Poller {
	if clock != nil {
		p.clock = clock
	}
	return p
}

// Wait polls until the job completes, fails, disappears, or the timeout
// elapses. Transport and unexpected HTTP errors stop polling immediately.
func (p *Poller) Wait(ctx context.Context, jobID string) (Status, error) {
	deadline := p.clock.Now().Add(p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		st, err := p.source.Status(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return Status{}, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
			}
			return Status{}, err
		}
		p.logger.Debug("polled job",
			zap.String("job_id", jobID),
			zap.String("status", string(st.Status)),
			zap.Int("attempt", attempt),
		)
		switch st.Status {
		case imaging.JobStatusCompleted:
			return st, nil
		case imaging.JobStatusFailed:
			return st, &JobFailedError{Status: st}
		}
		if !p.clock.Now().Add(p.interval).Before(deadline) {
			return st, fmt.Errorf("%w %s after %s", ErrPollTimeout, jobID, p.timeout)
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		case <-ticker.C:
		}
	}
}
