package memory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
)

const defaultSweepInterval = time.Minute

// Janitor periodically evicts expired jobs from a JobStore.
type Janitor struct {
	store    *JobStore
	clock    imaging.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewJanitor constructs a Janitor.
func NewJanitor(store *JobStore, clock imaging.Clock, interval time.Duration, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{store: store, clock: clock, interval: interval, logger: logger}
}

// Run sweeps on every tick until the context finishes.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep evicts expired jobs once and returns how many were removed.
func (j *Janitor) Sweep() int {
	evicted := j.store.Evict(j.clock.Now())
	remaining := j.store.Len()
	metrics.SetStoredJobs(remaining)
	if len(evicted) > 0 {
		j.logger.Info("evicted expired jobs",
			zap.Int("evicted", len(evicted)),
			zap.Int("remaining", remaining),
		)
	}
	return len(evicted)
}
