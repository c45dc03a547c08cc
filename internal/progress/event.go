package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobSubmitted    Stage = "JOB_SUBMITTED"
	StageOriginalStored  Stage = "ORIGINAL_STORED"
	StageTransformStored Stage = "TRANSFORM_STORED"
	StageJobDone         Stage = "JOB_DONE"
	StageJobError        Stage = "JOB_ERROR"
	StageJobEvicted      Stage = "JOB_EVICTED"
)

// Event captures a single job milestone.
type Event struct {
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// ContentType and Bytes describe the upload on JOB_SUBMITTED.
	ContentType string
	Bytes       int64
	// OriginalURL and TransformedURL are set once the artifacts exist.
	OriginalURL    string
	TransformedURL string
	// ErrorKind and Note describe a JOB_ERROR.
	ErrorKind imaging.ErrorKind
	Note      string
	// Dur is the time since submission for terminal events.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobSubmitted, StageJobEvicted:
	case StageOriginalStored:
		if e.OriginalURL == "" {
			return errors.New("original stored requires original url")
		}
	case StageTransformStored, StageJobDone:
		if e.TransformedURL == "" {
			return fmt.Errorf("%s requires transformed url", e.Stage)
		}
	case StageJobError:
		if e.ErrorKind == "" {
			return errors.New("job error requires error kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event records a job's final state.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError
}

// Outcome converts a terminal event into the audit record form.
func (e Event) Outcome() (imaging.Outcome, bool) {
	if !e.Terminal() {
		return imaging.Outcome{}, false
	}
	status := imaging.JobStatusCompleted
	if e.Stage == StageJobError {
		status = imaging.JobStatusFailed
	}
	return imaging.Outcome{
		JobID:          e.JobID,
		Status:         status,
		OriginalURL:    e.OriginalURL,
		TransformedURL: e.TransformedURL,
		ErrorKind:      e.ErrorKind,
		ErrorText:      e.Note,
		FinishedAt:     e.TS,
		Duration:       e.Dur,
	}, true
}
