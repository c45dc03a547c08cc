// Package api exposes the HTTP interface for the grayscale job service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/config"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
	"github.com/JakeFAU/grayscale-jobs/internal/middleware"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
	"github.com/JakeFAU/grayscale-jobs/internal/transform/grayscale"
)

const (
	hashPrefixLen   = 12
	maxFormMemory   = 32 << 20
	codeBadRequest  = "bad_request"
	codeNotFound    = "not_found"
	msgMissingJobID = "missing job ID"
	msgUnknownJobID = "Invalid or expired job ID"
)

// Enqueuer hands accepted work to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item imaging.WorkItem) error
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Option customizes a Server.
type Option func(*Server)

// WithBlobHandler serves stored artifacts under /blobs/.
func WithBlobHandler(h http.Handler) Option {
	return func(s *Server) { s.blobHandler = h }
}

// WithReadinessCheck adds a dependency probe to /readyz.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if s.readiness == nil {
			s.readiness = make(map[string]ReadinessCheck)
		}
		s.readiness[name] = check
	}
}

// Server wires HTTP handlers to the job store, blob store, and worker queue.
type Server struct {
	router      chi.Router
	jobStore    imaging.JobStore
	blobStore   imaging.BlobStore
	enqueuer    Enqueuer
	hasher      imaging.Hasher
	clock       imaging.Clock
	events      progress.Emitter
	cfg         config.Config
	logger      *zap.Logger
	blobHandler http.Handler
	readiness   map[string]ReadinessCheck
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobStore imaging.JobStore,
	blobStore imaging.BlobStore,
	enqueuer Enqueuer,
	hasher imaging.Hasher,
	clock imaging.Clock,
	events progress.Emitter,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = progress.NopEmitter{}
	}
	s := &Server{
		jobStore:  jobStore,
		blobStore: blobStore,
		enqueuer:  enqueuer,
		hasher:    hasher,
		clock:     clock,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(metrics.Middleware)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	for _, path := range []string{"/upload", "/api/fileUpload"} {
		r.Post(path, s.submit)
		r.Get(path, s.status)
	}
	if s.blobHandler != nil {
		r.Mount("/blobs", http.StripPrefix("/blobs", s.blobHandler))
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := make(map[string]string)
	for name, check := range s.readiness {
		if err := check(r.Context()); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitResponse struct {
	JobID string `json:"jobId"`
}

type submitFailure struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	JobID   string `json:"jobId,omitempty"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	start := s.clock.Now()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Upload.MaxBytes)

	upload, err := s.readUpload(r)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file exceeds the %d byte upload limit", s.cfg.Upload.MaxBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.jobStore.Create(r.Context())
	if err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	s.events.Emit(progress.Event{
		JobID:       job.ID,
		TS:          start.UTC(),
		Stage:       progress.StageJobSubmitted,
		ContentType: upload.contentType,
		Bytes:       int64(len(upload.data)),
	})

	originalURL, err := s.storeOriginal(r.Context(), job.ID, upload)
	if err != nil {
		s.failJob(job.ID, imaging.ErrorKindStorage, err, start)
		writeJSON(w, http.StatusInternalServerError, submitFailure{
			Error:   "Upload failed",
			Details: err.Error(),
			JobID:   job.ID,
		})
		return
	}
	if err := s.jobStore.SetOriginalURL(r.Context(), job.ID, originalURL); err != nil {
		s.logger.Error("record original url failed", zap.String("job_id", job.ID), zap.Error(err))
		s.failJob(job.ID, imaging.ErrorKindStorage, err, start)
		writeJSON(w, http.StatusInternalServerError, submitFailure{Error: "Upload failed", Details: err.Error(), JobID: job.ID})
		return
	}
	s.events.Emit(progress.Event{
		JobID:       job.ID,
		TS:          s.clock.Now().UTC(),
		Stage:       progress.StageOriginalStored,
		ContentType: upload.contentType,
		Bytes:       int64(len(upload.data)),
		OriginalURL: originalURL,
	})

	if err := s.enqueue(r.Context(), job.ID, originalURL, upload, start); err != nil {
		s.logger.Warn("enqueue job failed", zap.String("job_id", job.ID), zap.Error(err))
		s.failJob(job.ID, imaging.ErrorKindUnavailable, err, start)
		writeJSON(w, http.StatusServiceUnavailable, submitFailure{
			Error:   imaging.ErrUnavailable.Error(),
			Details: err.Error(),
			JobID:   job.ID,
		})
		return
	}

	s.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("content_type", upload.contentType),
		zap.Int("bytes", len(upload.data)),
	)
	writeJSON(w, http.StatusOK, submitResponse{JobID: job.ID})
}

type uploadedFile struct {
	filename    string
	contentType string
	data        []byte
}

func (s *Server) readUpload(r *http.Request) (uploadedFile, error) {
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		if isTooLarge(err) {
			return uploadedFile{}, err
		}
		return uploadedFile{}, fmt.Errorf("expected a multipart form upload: %w", err)
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	header, err := pickFile(r.MultipartForm, s.cfg.Upload.FieldName)
	if err != nil {
		return uploadedFile{}, err
	}
	f, err := header.Open()
	if err != nil {
		return uploadedFile{}, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := io.ReadAll(f)
	if err != nil {
		return uploadedFile{}, fmt.Errorf("read uploaded file: %w", err)
	}
	if len(data) == 0 {
		return uploadedFile{}, errors.New("uploaded file is empty")
	}

	contentType := header.Header.Get("Content-Type")
	if s.cfg.Upload.SniffContent {
		detected, ok := grayscale.Sniff(data)
		if !ok {
			return uploadedFile{}, fmt.Errorf("unsupported file type %q", detected)
		}
		contentType = detected
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return uploadedFile{filename: header.Filename, contentType: contentType, data: data}, nil
}

// pickFile returns the named file part, or the only file part when the form
// carries exactly one.
func pickFile(form *multipart.Form, field string) (*multipart.FileHeader, error) {
	if files := form.File[field]; len(files) > 0 {
		return files[0], nil
	}
	var only *multipart.FileHeader
	count := 0
	for _, files := range form.File {
		for _, fh := range files {
			only = fh
			count++
		}
	}
	switch count {
	case 0:
		return nil, errors.New("no file uploaded")
	case 1:
		return only, nil
	default:
		return nil, fmt.Errorf("no file in form field %q", field)
	}
}

func (s *Server) storeOriginal(ctx context.Context, jobID string, upload uploadedFile) (string, error) {
	name := jobID + grayscale.Extension(upload.contentType)
	if s.hasher != nil {
		sum, err := s.hasher.Hash(upload.data)
		if err != nil {
			return "", fmt.Errorf("hash upload: %w", err)
		}
		if len(sum) > hashPrefixLen {
			sum = sum[:hashPrefixLen]
		}
		name = fmt.Sprintf("%s-%s%s", jobID, sum, grayscale.Extension(upload.contentType))
	}
	url, err := s.blobStore.Store(ctx, upload.data, s.cfg.Storage.OriginalFolder, name, upload.contentType)
	if err != nil {
		return "", fmt.Errorf("store original: %w", err)
	}
	return url, nil
}

func (s *Server) enqueue(
	ctx context.Context,
	jobID string,
	originalURL string,
	upload uploadedFile,
	submitted time.Time,
) error {
	timeout := s.cfg.Worker.EnqueueTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	queueCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	item := imaging.WorkItem{
		JobID:       jobID,
		Filename:    upload.filename,
		ContentType: upload.contentType,
		OriginalURL: originalURL,
		Data:        upload.data,
		Submitted:   submitted,
	}
	if err := s.enqueuer.Enqueue(queueCtx, item); err != nil {
		return fmt.Errorf("%w: %w", imaging.ErrUnavailable, err)
	}
	return nil
}

// failJob records a synchronous failure so no accepted job is left processing.
func (s *Server) failJob(jobID string, kind imaging.ErrorKind, cause error, start time.Time) {
	if err := s.jobStore.Fail(context.Background(), jobID, kind, cause.Error()); err != nil {
		s.logger.Error("fail job status update", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	now := s.clock.Now()
	s.events.Emit(progress.Event{
		JobID:     jobID,
		TS:        now.UTC(),
		Stage:     progress.StageJobError,
		ErrorKind: kind,
		Note:      cause.Error(),
		Dur:       now.Sub(start),
	})
}

type statusResponse struct {
	JobID          string            `json:"jobId"`
	Status         imaging.JobStatus `json:"status"`
	OriginalURL    string            `json:"originalUrl,omitempty"`
	TransformedURL string            `json:"transformedUrl,omitempty"`
	ErrorKind      imaging.ErrorKind `json:"errorKind,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	FinishedAt     *time.Time        `json:"finishedAt,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if jobID == "" {
		writeCodedError(w, http.StatusBadRequest, msgMissingJobID, codeBadRequest)
		return
	}
	job, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, imaging.ErrNotFound) {
			writeCodedError(w, http.StatusBadRequest, msgUnknownJobID, codeNotFound)
			return
		}
		s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		JobID:          job.ID,
		Status:         job.Status,
		OriginalURL:    job.OriginalURL,
		TransformedURL: job.TransformedURL,
		ErrorKind:      job.ErrorKind,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		FinishedAt:     job.FinishedAt,
	})
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeCodedError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
