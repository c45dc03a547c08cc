package imaging

import "time"

// JobStatus represents the lifecycle state of a grayscale job.
type JobStatus string

// Job status values. Transitions are forward-only: processing -> completed|failed.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ErrorKind classifies why a job failed.
type ErrorKind string

// Failure causes recorded on failed jobs.
const (
	ErrorKindStorage     ErrorKind = "storage_failure"
	ErrorKindTransform   ErrorKind = "transform_failure"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindUnavailable ErrorKind = "unavailable"
	ErrorKindCanceled    ErrorKind = "canceled"
)

// Job is the record tracked for each uploaded image.
type Job struct {
	ID             string     `json:"jobId"`
	Status         JobStatus  `json:"status"`
	OriginalURL    string     `json:"originalUrl,omitempty"`
	TransformedURL string     `json:"transformedUrl,omitempty"`
	ErrorKind      ErrorKind  `json:"errorKind,omitempty"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// WorkItem is the unit handed from the submission path to the worker pool.
type WorkItem struct {
	JobID       string
	Filename    string
	ContentType string
	OriginalURL string
	Data        []byte
	Submitted   time.Time
}

// Outcome is the terminal summary of a job, written to audit sinks.
type Outcome struct {
	JobID          string
	Status         JobStatus
	OriginalURL    string
	TransformedURL string
	ErrorKind      ErrorKind
	ErrorText      string
	FinishedAt     time.Time
	Duration       time.Duration
}

// Notification is the message published when a job reaches a terminal state.
type Notification struct {
	JobID          string    `json:"jobId"`
	Status         JobStatus `json:"status"`
	OriginalURL    string    `json:"originalUrl,omitempty"`
	TransformedURL string    `json:"transformedUrl,omitempty"`
	ErrorKind      ErrorKind `json:"errorKind,omitempty"`
	Error          string    `json:"error,omitempty"`
	FinishedAt     time.Time `json:"finishedAt"`
	DurationMS     int64     `json:"durationMs"`
}

// NotificationFromOutcome builds the published form of an outcome.
func NotificationFromOutcome(o Outcome) Notification {
	return Notification{
		JobID:          o.JobID,
		Status:         o.Status,
		OriginalURL:    o.OriginalURL,
		TransformedURL: o.TransformedURL,
		ErrorKind:      o.ErrorKind,
		Error:          o.ErrorText,
		FinishedAt:     o.FinishedAt,
		DurationMS:     o.Duration.Milliseconds(),
	}
}
