// Package memory provides the bounded in-process work queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once a closed
// queue has been drained.
var ErrClosed = imaging.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan imaging.WorkItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan imaging.WorkItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, waiting for space until the context ends.
func (q *Queue) Enqueue(ctx context.Context, item imaging.WorkItem) error {
	select {
	case <-q.done:
		return fmt.Errorf("enqueue %s: %w", item.JobID, ErrClosed)
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return fmt.Errorf("enqueue %s: %w", item.JobID, ErrClosed)
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Items queued
// before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (imaging.WorkItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return imaging.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return imaging.WorkItem{}, ErrClosed
		}
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting new items. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
