// Package ratelimit paces outbound blob-store calls with per-folder token buckets.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
)

// Limiter manages per-key rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// Config holds rate limiter configuration. A non-positive RPS disables pacing.
type Config struct {
	DefaultRPS   float64
	DefaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Enabled reports whether the limiter ever delays callers.
func (l *Limiter) Enabled() bool {
	return l.defaultRate != rate.Inf
}

// Wait blocks until a token is available for key, respecting the context.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveStorageThrottle(key, waited)
	}
	return nil
}

// BlobStore paces Store calls per folder before delegating.
type BlobStore struct {
	next    imaging.BlobStore
	limiter *Limiter
}

// Throttle wraps next so each folder is written at most at the limiter's rate.
// It returns next unchanged when the limiter is disabled.
func Throttle(next imaging.BlobStore, limiter *Limiter) imaging.BlobStore {
	if limiter == nil || !limiter.Enabled() {
		return next
	}
	return &BlobStore{next: next, limiter: limiter}
}

// Store waits for a slot on folder and then writes through.
func (s *BlobStore) Store(ctx context.Context, data []byte, folder, name, contentType string) (string, error) {
	if err := s.limiter.Wait(ctx, folder); err != nil {
		return "", fmt.Errorf("store %s/%s: %w", folder, name, err)
	}
	url, err := s.next.Store(ctx, data, folder, name, contentType)
	if err != nil {
		return "", fmt.Errorf("store %s/%s: %w", folder, name, err)
	}
	return url, nil
}
