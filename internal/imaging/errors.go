package imaging

import (
	"context"
	"errors"
)

// Sentinel errors shared by stores, handlers, and workers.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrBadRequest        = errors.New("bad request")
	ErrStorage           = errors.New("storage failure")
	ErrTransform         = errors.New("transform failure")
	ErrTimeout           = errors.New("job exceeded its execution budget")
	ErrUnavailable       = errors.New("worker queue unavailable")
	ErrQueueClosed       = errors.New("queue closed")
)

// KindOf maps an error chain to the ErrorKind recorded on a failed job.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCanceled
	case errors.Is(err, ErrTransform):
		return ErrorKindTransform
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrQueueClosed):
		return ErrorKindUnavailable
	default:
		return ErrorKindStorage
	}
}
