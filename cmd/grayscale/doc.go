// Package main hosts the grayscale job service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts multipart uploads on /upload (alias /api/fileUpload), creates a job in
//     the in-memory JobStore, stores the original through the configured BlobStore, and enqueues a work item. GET on
//     the same path returns the job record for polling clients.
//   - Queue & workers: work items flow through a bounded in-memory queue sized by worker.queue_depth and are consumed
//     by a fixed pool sized by worker.concurrency. Each job runs under worker.timeout; transformed uploads retry with
//     jittered backoff.
//   - Storage: originals and grayscale PNGs go to memory, local disk, GCS, S3, or Cloudinary. Memory and local
//     backends are served back under /blobs.
//   - Events: lifecycle events are batched by the progress Hub and fanned out to log and Prometheus sinks, the
//     optional Postgres outcome ledger, and the optional Pub/Sub or Redis notification sink.
//   - Retention: a janitor evicts job records older than jobs.max_age; jobs.max_entries caps the store.
//
// Operational notes:
//   - SIGINT/SIGTERM stops accepting uploads, drains queued jobs within server.shutdown_timeout, cancels whatever is
//     still running (those jobs end as failed/canceled), flushes events, and closes clients.
//   - /healthz is liveness only; /readyz reports 503 once shutdown starts or the queue is full.
//
// Quick checklist:
//   - Configure env vars: GRAYSCALE_SERVER_PORT, GRAYSCALE_WORKER_CONCURRENCY, GRAYSCALE_STORAGE_BACKEND plus the
//     backend block (GRAYSCALE_STORAGE_GCS_BUCKET, GRAYSCALE_STORAGE_S3_*, CLOUDINARY_NAME/API_KEY/API_SECRET),
//     GRAYSCALE_EVENTS_NOTIFY, and GRAYSCALE_DATABASE_DSN for the outcome ledger.
//   - Run locally: go run ./cmd/grayscale -config config.yaml (or rely solely on env overrides).
package main
