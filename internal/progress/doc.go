// Package progress carries job lifecycle events from the submission path and
// the worker pool to pluggable sinks. The Hub batches events on a background
// goroutine so emitters never wait on logging, metrics, the outcome ledger or
// outbound notifications.
package progress
