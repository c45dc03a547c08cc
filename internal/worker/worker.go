// Package worker implements the grayscale job execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
)

const (
	defaultFolder      = "grayscale_images"
	defaultContentType = "image/png"
	defaultExtension   = ".png"
	defaultTimeout     = 30 * time.Second
	hashPrefixLen      = 12
)

// Config controls Worker behavior.
type Config struct {
	TransformedFolder string
	ContentType       string
	Extension         string
	Timeout           time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

// Worker consumes queue items and runs the transform pipeline for each job.
type Worker struct {
	queue       imaging.Queue
	jobStore    imaging.JobStore
	blobStore   imaging.BlobStore
	transformer imaging.Transformer
	hasher      imaging.Hasher
	clock       imaging.Clock
	events      progress.Emitter
	retry       *RetryPolicy
	cfg         Config
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue imaging.Queue,
	jobStore imaging.JobStore,
	blobStore imaging.BlobStore,
	transformer imaging.Transformer,
	hasher imaging.Hasher,
	clock imaging.Clock,
	events progress.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.TransformedFolder == "" {
		cfg.TransformedFolder = defaultFolder
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if cfg.Extension == "" {
		cfg.Extension = defaultExtension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if events == nil {
		events = progress.NopEmitter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:       queue,
		jobStore:    jobStore,
		blobStore:   blobStore,
		transformer: transformer,
		hasher:      hasher,
		clock:       clock,
		events:      events,
		retry:       NewRetryPolicy(cfg.MaxAttempts, cfg.BaseBackoff, cfg.MaxBackoff),
		cfg:         cfg,
		logger:      logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, imaging.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item imaging.WorkItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	transformedURL, err := w.execute(jobCtx, item)

	// Terminal writes must land even when the job context is already done.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		w.failJob(writeCtx, item, err)
		return
	}
	if err := w.jobStore.Complete(writeCtx, item.JobID, transformedURL); err != nil {
		w.logTerminalWriteError(item.JobID, err)
		return
	}
	w.logger.Info("job completed",
		zap.String("job_id", item.JobID),
		zap.String("transformed_url", transformedURL),
	)
	w.events.Emit(progress.Event{
		JobID:          item.JobID,
		TS:             w.clock.Now().UTC(),
		Stage:          progress.StageJobDone,
		OriginalURL:    item.OriginalURL,
		TransformedURL: transformedURL,
		Dur:            w.since(item.Submitted),
	})
}

func (w *Worker) execute(ctx context.Context, item imaging.WorkItem) (string, error) {
	if w.transformer == nil || w.blobStore == nil {
		return "", fmt.Errorf("%w: worker is not configured", imaging.ErrUnavailable)
	}
	out, err := w.transform(ctx, item.Data)
	if err != nil {
		return "", w.classify(err)
	}
	url, err := w.storeTransformed(ctx, item.JobID, out)
	if err != nil {
		return "", w.classify(err)
	}
	w.events.Emit(progress.Event{
		JobID:          item.JobID,
		TS:             w.clock.Now().UTC(),
		Stage:          progress.StageTransformStored,
		ContentType:    w.cfg.ContentType,
		Bytes:          int64(len(out)),
		TransformedURL: url,
	})
	return url, nil
}

type transformResult struct {
	data []byte
	err  error
}

// transform runs the transformer on its own goroutine so a hung codec cannot
// hold the worker past the job deadline.
func (w *Worker) transform(ctx context.Context, data []byte) ([]byte, error) {
	done := make(chan transformResult, 1)
	go func() {
		out, err := w.transformer.Transform(ctx, data)
		done <- transformResult{data: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("transform: %w", ctx.Err())
	case res := <-done:
		if res.err == nil {
			return res.data, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transform: %w", ctx.Err())
		}
		if errors.Is(res.err, imaging.ErrTransform) {
			return nil, fmt.Errorf("transform: %w", res.err)
		}
		return nil, fmt.Errorf("%w: %w", imaging.ErrTransform, res.err)
	}
}

func (w *Worker) storeTransformed(ctx context.Context, jobID string, data []byte) (string, error) {
	name, err := w.objectName(jobID, data)
	if err != nil {
		return "", err
	}
	for attempt := 1; ; attempt++ {
		url, err := w.blobStore.Store(ctx, data, w.cfg.TransformedFolder, name, w.cfg.ContentType)
		if err == nil {
			return url, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("store transformed: %w", ctx.Err())
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return "", fmt.Errorf("%w: store transformed after %d attempt(s): %w", imaging.ErrStorage, attempt, err)
		}
		delay := w.retry.Backoff(attempt - 1)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			return "", fmt.Errorf("%w: store transformed: no time left to retry: %w", imaging.ErrStorage, err)
		}
		metrics.ObserveStorageRetry(w.cfg.TransformedFolder)
		w.logger.Warn("transformed upload failed, retrying",
			zap.String("job_id", jobID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("store transformed: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (w *Worker) objectName(jobID string, data []byte) (string, error) {
	if w.hasher == nil {
		return jobID + w.cfg.Extension, nil
	}
	sum, err := w.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash transformed image: %w", err)
	}
	if len(sum) > hashPrefixLen {
		sum = sum[:hashPrefixLen]
	}
	return fmt.Sprintf("%s-%s%s", jobID, sum, w.cfg.Extension), nil
}

func (w *Worker) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, imaging.ErrTimeout) {
		return fmt.Errorf("%w after %s: %w", imaging.ErrTimeout, w.cfg.Timeout, err)
	}
	return err
}

func (w *Worker) failJob(ctx context.Context, item imaging.WorkItem, cause error) {
	kind := imaging.KindOf(cause)
	w.logger.Warn("job failed",
		zap.String("job_id", item.JobID),
		zap.String("error_kind", string(kind)),
		zap.Error(cause),
	)
	if err := w.jobStore.Fail(ctx, item.JobID, kind, cause.Error()); err != nil {
		w.logTerminalWriteError(item.JobID, err)
		return
	}
	w.events.Emit(progress.Event{
		JobID:       item.JobID,
		TS:          w.clock.Now().UTC(),
		Stage:       progress.StageJobError,
		OriginalURL: item.OriginalURL,
		ErrorKind:   kind,
		Note:        cause.Error(),
		Dur:         w.since(item.Submitted),
	})
}

func (w *Worker) logTerminalWriteError(jobID string, err error) {
	if errors.Is(err, imaging.ErrNotFound) || errors.Is(err, imaging.ErrInvalidTransition) {
		w.logger.Warn("job no longer accepts a terminal state", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	w.logger.Error("final job status update failed", zap.String("job_id", jobID), zap.Error(err))
}

func (w *Worker) since(submitted time.Time) time.Duration {
	if submitted.IsZero() {
		return 0
	}
	d := w.clock.Now().Sub(submitted)
	if d < 0 {
		return 0
	}
	return d
}
