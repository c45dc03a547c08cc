package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/grayscale-jobs/internal/id/uuid"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := NewJobStore(uuid.New(), clock, JobStoreOptions{})
	ctx := context.Background()

	job, err := store.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.Equal(t, imaging.JobStatusProcessing, job.Status)
	require.Empty(t, job.OriginalURL)

	require.NoError(t, store.SetOriginalURL(ctx, job.ID, "memory://original_images/a.png"))
	require.ErrorIs(t, store.SetOriginalURL(ctx, job.ID, "memory://other"), imaging.ErrInvalidTransition)

	snapshot, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "memory://original_images/a.png", snapshot.OriginalURL)
	require.Equal(t, imaging.JobStatusProcessing, snapshot.Status)
	require.Nil(t, snapshot.FinishedAt)

	clock.Advance(time.Second)
	require.NoError(t, store.Complete(ctx, job.ID, "memory://grayscale_images/a.png"))

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, imaging.JobStatusCompleted, final.Status)
	require.Equal(t, "memory://grayscale_images/a.png", final.TransformedURL)
	require.NotNil(t, final.FinishedAt)
	require.Equal(t, clock.Now(), final.UpdatedAt)
	require.Empty(t, final.Error)
}

func TestJobStoreTerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	store := NewJobStore(uuid.New(), &fakeClock{now: time.Now()}, JobStoreOptions{})
	ctx := context.Background()

	completed, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, completed.ID, "memory://done.png"))
	require.ErrorIs(t, store.Complete(ctx, completed.ID, "memory://again.png"), imaging.ErrInvalidTransition)
	require.ErrorIs(t, store.Fail(ctx, completed.ID, imaging.ErrorKindTimeout, "late"), imaging.ErrInvalidTransition)

	failed, err := store.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, failed.ID, imaging.ErrorKindTransform, "image: unknown format"))
	require.ErrorIs(t, store.Complete(ctx, failed.ID, "memory://x.png"), imaging.ErrInvalidTransition)
	require.ErrorIs(t, store.Fail(ctx, failed.ID, imaging.ErrorKindStorage, "again"), imaging.ErrInvalidTransition)

	got, err := store.Get(ctx, completed.ID)
	require.NoError(t, err)
	require.Equal(t, imaging.JobStatusCompleted, got.Status)
	require.Equal(t, "memory://done.png", got.TransformedURL)

	got, err = store.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, imaging.JobStatusFailed, got.Status)
	require.Equal(t, imaging.ErrorKindTransform, got.ErrorKind)
	require.Equal(t, "image: unknown format", got.Error)
	require.Empty(t, got.TransformedURL)
}

func TestJobStoreUnknownID(t *testing.T) {
	t.Parallel()

	store := NewJobStore(uuid.New(), &fakeClock{now: time.Now()}, JobStoreOptions{})
	ctx := context.Background()

	_, err := store.Get(ctx, "nonexistent")
	require.ErrorIs(t, err, imaging.ErrNotFound)
	require.ErrorIs(t, store.SetOriginalURL(ctx, "nonexistent", "x"), imaging.ErrNotFound)
	require.ErrorIs(t, store.Complete(ctx, "nonexistent", "x"), imaging.ErrNotFound)
	require.ErrorIs(t, store.Fail(ctx, "nonexistent", imaging.ErrorKindStorage, "x"), imaging.ErrNotFound)
}

func TestJobStoreConcurrentCreateIsUnique(t *testing.T) {
	t.Parallel()

	store := NewJobStore(uuid.New(), &fakeClock{now: time.Now()}, JobStoreOptions{})
	const n = 500

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.Create(context.Background())
			if err == nil {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
	require.Equal(t, n, store.Len())
}

func TestJobStoreRetriesOnIDCollision(t *testing.T) {
	t.Parallel()

	idGen := &sequenceIDGen{ids: []string{"same", "same", "other"}}
	store := NewJobStore(idGen, &fakeClock{now: time.Now()}, JobStoreOptions{})
	ctx := context.Background()

	first, err := store.Create(ctx)
	require.NoError(t, err)
	second, err := store.Create(ctx)
	require.NoError(t, err)
	require.Equal(t, "same", first.ID)
	require.Equal(t, "other", second.ID)
}

func TestJobStoreCreateGivesUpOnPersistentCollision(t *testing.T) {
	t.Parallel()

	idGen := &sequenceIDGen{ids: []string{"dup", "dup", "dup", "dup", "dup", "dup"}}
	store := NewJobStore(idGen, &fakeClock{now: time.Now()}, JobStoreOptions{})

	_, err := store.Create(context.Background())
	require.NoError(t, err)
	_, err = store.Create(context.Background())
	require.Error(t, err)
}

func TestJobStoreReadsAreConsistentDuringComplete(t *testing.T) {
	t.Parallel()

	store := NewJobStore(uuid.New(), &fakeClock{now: time.Now()}, JobStoreOptions{})
	ctx := context.Background()
	const url = "memory://grayscale_images/x.png"

	for round := 0; round < 50; round++ {
		job, err := store.Create(ctx)
		require.NoError(t, err)

		start := make(chan struct{})
		done := make(chan struct{})
		var mixed sync.Once
		var mixedErr error
		go func() {
			defer close(done)
			<-start
			for i := 0; i < 200; i++ {
				snap, err := store.Get(ctx, job.ID)
				if err != nil {
					mixed.Do(func() { mixedErr = err })
					return
				}
				okProcessing := snap.Status == imaging.JobStatusProcessing && snap.TransformedURL == ""
				okCompleted := snap.Status == imaging.JobStatusCompleted && snap.TransformedURL == url
				if !okProcessing && !okCompleted {
					mixed.Do(func() { mixedErr = errors.New("observed mixed record state") })
					return
				}
			}
		}()
		close(start)
		require.NoError(t, store.Complete(ctx, job.ID, url))
		<-done
		require.NoError(t, mixedErr)
	}
}

func TestJobStoreEvictsByAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var (
		mu      sync.Mutex
		evicted []string
	)
	store := NewJobStore(uuid.New(), clock, JobStoreOptions{
		MaxAge: time.Hour,
		OnEvict: func(ids []string) {
			mu.Lock()
			defer mu.Unlock()
			evicted = append(evicted, ids...)
		},
	})
	ctx := context.Background()

	old, err := store.Create(ctx)
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	fresh, err := store.Create(ctx)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	// Expired but not yet swept: already invisible.
	_, err = store.Get(ctx, old.ID)
	require.ErrorIs(t, err, imaging.ErrNotFound)
	require.ErrorIs(t, store.Complete(ctx, old.ID, "memory://late.png"), imaging.ErrNotFound)

	ids := store.Evict(clock.Now())
	require.Equal(t, []string{old.ID}, ids)
	require.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, old.ID)
	require.ErrorIs(t, err, imaging.ErrNotFound)
	_, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []string{old.ID}, evicted)
	mu.Unlock()
}

func TestJobStoreEvictSkipsStaleOrderEntries(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var notified []string
	store := NewJobStore(uuid.New(), clock, JobStoreOptions{
		MaxAge: time.Hour,
		OnEvict: func(ids []string) {
			notified = append(notified, ids...)
		},
	})
	ctx := context.Background()

	job, err := store.Create(ctx)
	require.NoError(t, err)

	store.mu.Lock()
	store.order = append([]string{"already-gone"}, store.order...)
	store.mu.Unlock()

	clock.Advance(2 * time.Hour)
	ids := store.Evict(clock.Now())
	require.Equal(t, []string{job.ID}, ids)
	require.Equal(t, []string{job.ID}, notified)
	require.Zero(t, store.Len())

	store.mu.RLock()
	require.Empty(t, store.order)
	store.mu.RUnlock()
}

func TestJobStoreCapEvictsOldest(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	store := NewJobStore(uuid.New(), clock, JobStoreOptions{MaxEntries: 2})
	ctx := context.Background()

	first, err := store.Create(ctx)
	require.NoError(t, err)
	second, err := store.Create(ctx)
	require.NoError(t, err)
	third, err := store.Create(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, store.Len())
	_, err = store.Get(ctx, first.ID)
	require.ErrorIs(t, err, imaging.ErrNotFound)
	_, err = store.Get(ctx, second.ID)
	require.NoError(t, err)
	_, err = store.Get(ctx, third.ID)
	require.NoError(t, err)
}

func TestJobStoreEvictDisabledWithoutMaxAge(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Now()}
	store := NewJobStore(uuid.New(), clock, JobStoreOptions{})
	_, err := store.Create(context.Background())
	require.NoError(t, err)
	clock.Advance(100 * time.Hour)
	require.Empty(t, store.Evict(clock.Now()))
	require.Equal(t, 1, store.Len())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequenceIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (g *sequenceIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}
