package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

const maxIDAttempts = 5

// JobStoreOptions bounds the memory held by a JobStore.
//   - MaxAge: jobs older than this are evicted and reported as not found (0 disables).
//   - MaxEntries: creating a job beyond this count evicts the oldest first (0 disables).
//   - OnEvict: optional hook invoked with evicted IDs, outside any lock.
type JobStoreOptions struct {
	MaxAge     time.Duration
	MaxEntries int
	OnEvict    func(jobIDs []string)
}

// jobEntry guards a single record so writes to distinct jobs never contend.
type jobEntry struct {
	mu      sync.RWMutex
	job     imaging.Job
	created time.Time
	evicted bool
}

// JobStore is the in-memory, concurrency-safe source of truth for job state.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*jobEntry
	order []string

	idGen imaging.IDGenerator
	clock imaging.Clock
	opts  JobStoreOptions
}

// NewJobStore constructs a JobStore.
func NewJobStore(idGen imaging.IDGenerator, clock imaging.Clock, opts JobStoreOptions) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*jobEntry),
		idGen: idGen,
		clock: clock,
		opts:  opts,
	}
}

// Create allocates a fresh ID and stores a processing job under it.
func (s *JobStore) Create(_ context.Context) (imaging.Job, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.idGen.NewID()
		if err != nil {
			return imaging.Job{}, fmt.Errorf("generate job id: %w", err)
		}
		now := s.clock.Now()
		job := imaging.Job{
			ID:        id,
			Status:    imaging.JobStatusProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		}

		s.mu.Lock()
		if _, exists := s.jobs[id]; exists {
			s.mu.Unlock()
			continue
		}
		evicted := s.enforceCapLocked()
		s.jobs[id] = &jobEntry{job: job, created: now}
		s.order = append(s.order, id)
		s.mu.Unlock()

		s.notifyEvicted(evicted)
		return job, nil
	}
	return imaging.Job{}, errors.New("could not allocate a unique job id")
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(_ context.Context, jobID string) (imaging.Job, error) {
	entry, ok := s.lookup(jobID)
	if !ok {
		return imaging.Job{}, notFound(jobID)
	}
	now := s.clock.Now()
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if entry.evicted || s.expired(entry.created, now) {
		return imaging.Job{}, notFound(jobID)
	}
	return entry.job, nil
}

// SetOriginalURL records the original artifact URL exactly once.
func (s *JobStore) SetOriginalURL(_ context.Context, jobID string, url string) error {
	return s.mutate(jobID, func(job *imaging.Job, _ time.Time) error {
		if job.Status != imaging.JobStatusProcessing || job.OriginalURL != "" {
			return fmt.Errorf("%w: original url already recorded for %s", imaging.ErrInvalidTransition, jobID)
		}
		job.OriginalURL = url
		return nil
	})
}

// Complete moves a processing job to completed.
func (s *JobStore) Complete(_ context.Context, jobID string, transformedURL string) error {
	if transformedURL == "" {
		return errors.New("transformed url is required")
	}
	return s.mutate(jobID, func(job *imaging.Job, now time.Time) error {
		if job.Status != imaging.JobStatusProcessing {
			return fmt.Errorf("%w: %s is %s", imaging.ErrInvalidTransition, jobID, job.Status)
		}
		job.Status = imaging.JobStatusCompleted
		job.TransformedURL = transformedURL
		job.FinishedAt = pointerTime(now)
		return nil
	})
}

// Fail moves a processing job to failed with the given cause.
func (s *JobStore) Fail(_ context.Context, jobID string, kind imaging.ErrorKind, message string) error {
	return s.mutate(jobID, func(job *imaging.Job, now time.Time) error {
		if job.Status != imaging.JobStatusProcessing {
			return fmt.Errorf("%w: %s is %s", imaging.ErrInvalidTransition, jobID, job.Status)
		}
		job.Status = imaging.JobStatusFailed
		job.ErrorKind = kind
		job.Error = message
		job.FinishedAt = pointerTime(now)
		return nil
	})
}

// Evict drops every job older than MaxAge and returns their IDs.
func (s *JobStore) Evict(now time.Time) []string {
	if s.opts.MaxAge <= 0 {
		return nil
	}
	var evicted []string
	s.mu.Lock()
	for len(s.order) > 0 {
		id := s.order[0]
		if entry, ok := s.jobs[id]; ok {
			if !s.expired(entry.created, now) {
				break
			}
			s.removeLocked(id, entry)
			evicted = append(evicted, id)
		}
		s.order = s.order[1:]
	}
	s.mu.Unlock()

	s.notifyEvicted(evicted)
	return evicted
}

// Len reports how many jobs are currently held.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *JobStore) mutate(jobID string, fn func(job *imaging.Job, now time.Time) error) error {
	entry, ok := s.lookup(jobID)
	if !ok {
		return notFound(jobID)
	}
	now := s.clock.Now()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted || s.expired(entry.created, now) {
		return notFound(jobID)
	}
	next := entry.job
	if err := fn(&next, now); err != nil {
		return err
	}
	next.UpdatedAt = now
	entry.job = next
	return nil
}

func (s *JobStore) lookup(jobID string) (*jobEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.jobs[jobID]
	return entry, ok
}

func (s *JobStore) expired(created, now time.Time) bool {
	return s.opts.MaxAge > 0 && now.Sub(created) > s.opts.MaxAge
}

// enforceCapLocked makes room for one more job. Callers hold s.mu.
func (s *JobStore) enforceCapLocked() []string {
	if s.opts.MaxEntries <= 0 {
		return nil
	}
	var evicted []string
	for len(s.jobs) >= s.opts.MaxEntries && len(s.order) > 0 {
		id := s.order[0]
		s.order = s.order[1:]
		if entry, ok := s.jobs[id]; ok {
			s.removeLocked(id, entry)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (s *JobStore) removeLocked(id string, entry *jobEntry) {
	entry.mu.Lock()
	entry.evicted = true
	entry.mu.Unlock()
	delete(s.jobs, id)
}

func (s *JobStore) notifyEvicted(ids []string) {
	if len(ids) > 0 && s.opts.OnEvict != nil {
		s.opts.OnEvict(ids)
	}
}

func notFound(jobID string) error {
	return fmt.Errorf("%w: %s", imaging.ErrNotFound, jobID)
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
