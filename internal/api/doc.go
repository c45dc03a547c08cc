// Package api hosts the HTTP server, middleware chain, and handlers for the
// grayscale job service. Notable routes:
//   - POST /upload (alias /api/fileUpload) accepts a multipart image upload
//     and returns {"jobId": ...} once the original is stored.
//   - GET /upload?jobId= (alias /api/fileUpload) reports job status.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /blobs/... serves artifacts for the memory and local backends.
package api
