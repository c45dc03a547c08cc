package imaging

import (
	"context"
	"time"
)

// JobStore is the authoritative store of job records.
type JobStore interface {
	Create(ctx context.Context) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
	SetOriginalURL(ctx context.Context, jobID string, url string) error
	Complete(ctx context.Context, jobID string, transformedURL string) error
	Fail(ctx context.Context, jobID string, kind ErrorKind, message string) error
}

// BlobStore writes artifacts under a named folder and returns a retrievable URL.
type BlobStore interface {
	Store(ctx context.Context, data []byte, folder string, name string, contentType string) (string, error)
}

// Transformer maps an encoded image to its transformed encoding.
type Transformer interface {
	Transform(ctx context.Context, data []byte) ([]byte, error)
}

// Queue provides enqueue/dequeue semantics for work items.
type Queue interface {
	Enqueue(ctx context.Context, item WorkItem) error
	Dequeue(ctx context.Context) (WorkItem, error)
}

// Publisher pushes job outcome notifications to a topic or channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests used in object names.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
