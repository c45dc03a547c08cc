// Package imaging holds the job model, collaborator interfaces, and error
// taxonomy for the asynchronous grayscale pipeline.
//
// A Job is created by the upload handler in the processing state, receives its
// original artifact URL once the upload is stored, and is moved to exactly one
// terminal state (completed or failed) by a worker. Terminal states are final;
// stores reject later writes with ErrInvalidTransition.
package imaging
