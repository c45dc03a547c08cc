package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/clock/system"
	"github.com/JakeFAU/grayscale-jobs/internal/config"
	"github.com/JakeFAU/grayscale-jobs/internal/hash/sha256"
	"github.com/JakeFAU/grayscale-jobs/internal/id/uuid"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	queuememory "github.com/JakeFAU/grayscale-jobs/internal/queue/memory"
	"github.com/JakeFAU/grayscale-jobs/internal/storage/memory"
	"github.com/JakeFAU/grayscale-jobs/internal/transform/grayscale"
	"github.com/JakeFAU/grayscale-jobs/internal/worker"
)

func testConfig() config.Config {
	return config.Config{
		Upload: config.UploadConfig{
			FieldName:    "imageFile",
			MaxBytes:     1 << 20,
			SniffContent: true,
		},
		Worker: config.WorkerConfig{
			Timeout:        5 * time.Second,
			EnqueueTimeout: time.Second,
		},
		Storage: config.StorageConfig{
			OriginalFolder:    "original_images",
			TransformedFolder: "grayscale_images",
		},
	}
}

type harness struct {
	server *httptest.Server
	jobs   *memory.JobStore
	blobs  *memory.BlobStore
}

type harnessOptions struct {
	cfg       config.Config
	blobStore func(*memory.BlobStore) imaging.BlobStore
	enqueuer  Enqueuer
	noWorker  bool
}

// newHarness runs the full submit, transform, and status path behind a real
// HTTP listener so artifact URLs can be fetched.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.cfg.Upload.MaxBytes == 0 {
		opts.cfg = testConfig()
	}

	ts := httptest.NewUnstartedServer(nil)
	baseURL := "http://" + ts.Listener.Addr().String()

	clock := system.New()
	jobs := memory.NewJobStore(uuid.New(), clock, memory.JobStoreOptions{})
	blobs := memory.NewBlobStore(baseURL + "/blobs")
	var blobStore imaging.BlobStore = blobs
	if opts.blobStore != nil {
		blobStore = opts.blobStore(blobs)
	}

	queue := queuememory.NewQueue(8)
	var enqueuer Enqueuer = queue
	if opts.enqueuer != nil {
		enqueuer = opts.enqueuer
	}
	if !opts.noWorker {
		w := worker.New(queue, jobs, blobs, grayscale.New(grayscale.Options{}), sha256.New(), clock, nil,
			worker.Config{Timeout: 5 * time.Second}, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	server := NewServer(jobs, blobStore, enqueuer, sha256.New(), clock, nil, opts.cfg, zap.NewNop(),
		WithBlobHandler(blobs.Handler()))
	ts.Config.Handler = server.Handler()
	ts.Start()
	t.Cleanup(ts.Close)
	return &harness{server: ts, jobs: jobs, blobs: blobs}
}

func (h *harness) upload(t *testing.T, path, field, filename string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	body, contentType := multipartBody(t, field, filename, data)
	resp, err := http.Post(h.server.URL+path, contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp, decodeBody(t, resp.Body)
}

func (h *harness) status(t *testing.T, path, jobID string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.server.URL + path + "?jobId=" + jobID)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func (h *harness) waitForStatus(t *testing.T, jobID string, want imaging.JobStatus) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		code, body := h.status(t, "/upload", jobID)
		last = body
		return code == http.StatusOK && body["status"] == string(want)
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return last
}

func TestUploadEndToEndProducesGrayscaleImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	original := rgbPNG(t, 10, 10)
	resp, body := h.upload(t, "/upload", "imageFile", "photo.png", original)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	final := h.waitForStatus(t, jobID, imaging.JobStatusCompleted)
	originalURL, _ := final["originalUrl"].(string)
	transformedURL, _ := final["transformedUrl"].(string)
	require.True(t, strings.HasPrefix(originalURL, h.server.URL+"/blobs/original_images/"+jobID))
	require.True(t, strings.HasPrefix(transformedURL, h.server.URL+"/blobs/grayscale_images/"+jobID))
	require.NotContains(t, final, "error")
	require.Contains(t, final, "finishedAt")

	require.Equal(t, original, fetch(t, originalURL))

	decoded, err := png.Decode(bytes.NewReader(fetch(t, transformedURL)))
	require.NoError(t, err)
	gray, ok := decoded.(*image.Gray)
	require.True(t, ok, "expected *image.Gray, got %T", decoded)
	require.Equal(t, image.Rect(0, 0, 10, 10), gray.Bounds())
}

func TestUploadAliasRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	resp, body := h.upload(t, "/api/fileUpload", "imageFile", "photo.png", rgbPNG(t, 3, 3))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobID := body["jobId"].(string)

	require.Eventually(t, func() bool {
		code, status := h.status(t, "/api/fileUpload", jobID)
		return code == http.StatusOK && status["status"] == string(imaging.JobStatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUploadFallsBackToSingleFilePart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	resp, body := h.upload(t, "/upload", "picture", "photo.png", rgbPNG(t, 2, 2))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body["jobId"])
}

func TestUploadStorageFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		blobStore: func(*memory.BlobStore) imaging.BlobStore {
			return failingBlobStore{err: errors.New("quota exceeded")}
		},
	})
	resp, body := h.upload(t, "/upload", "imageFile", "photo.png", rgbPNG(t, 4, 4))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Upload failed", body["error"])
	require.Contains(t, body["details"], "quota exceeded")
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	code, status := h.status(t, "/upload", jobID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(imaging.JobStatusFailed), status["status"])
	require.Equal(t, string(imaging.ErrorKindStorage), status["errorKind"])
	require.NotContains(t, status, "originalUrl")
}

func TestUploadTextWithSniffingDisabledFailsTransform(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Upload.SniffContent = false
	h := newHarness(t, harnessOptions{cfg: cfg})
	resp, body := h.upload(t, "/upload", "imageFile", "notes.txt", []byte("definitely not an image"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := h.waitForStatus(t, body["jobId"].(string), imaging.JobStatusFailed)
	require.Equal(t, string(imaging.ErrorKindTransform), final["errorKind"])
	require.NotEmpty(t, final["error"])
	require.NotContains(t, final, "transformedUrl")
}

func TestUploadCorruptPNGFailsTransform(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{})
	// Signature and IHDR survive, so the upload sniffs as PNG; the pixel data does not.
	valid := rgbPNG(t, 10, 10)
	corrupt := append(valid[:33:33], bytes.Repeat([]byte{0xde, 0xad}, 64)...)
	resp, body := h.upload(t, "/upload", "imageFile", "broken.png", corrupt)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	final := h.waitForStatus(t, body["jobId"].(string), imaging.JobStatusFailed)
	require.Equal(t, string(imaging.ErrorKindTransform), final["errorKind"])
}

func TestUploadRejectsInvalidRequestsWithoutCreatingJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{noWorker: true})

	resp, body := h.upload(t, "/upload", "imageFile", "notes.txt", []byte("plain text"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "unsupported file type")

	ico := append([]byte{0, 0, 1, 0, 1, 0, 16, 16, 0, 0, 1, 0, 32, 0}, make([]byte, 64)...)
	resp, body = h.upload(t, "/upload", "imageFile", "favicon.ico", ico)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "unsupported file type")
	require.Contains(t, body["error"], "image/x-icon")

	resp, body = h.upload(t, "/upload", "imageFile", "empty.png", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "empty")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())
	httpResp, err := http.Post(h.server.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	body = decodeBody(t, httpResp.Body)
	httpResp.Body.Close()
	require.Equal(t, http.StatusBadRequest, httpResp.StatusCode)
	require.Equal(t, "no file uploaded", body["error"])

	httpResp, err = http.Post(h.server.URL+"/upload", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	httpResp.Body.Close()
	require.Equal(t, http.StatusBadRequest, httpResp.StatusCode)

	require.Equal(t, 0, h.jobs.Len())
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Upload.MaxBytes = 1024
	h := newHarness(t, harnessOptions{cfg: cfg, noWorker: true})
	resp, body := h.upload(t, "/upload", "imageFile", "big.png", bytes.Repeat([]byte{0x42}, 8*1024))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Contains(t, body["error"], "upload limit")
	require.Equal(t, 0, h.jobs.Len())
}

func TestUploadEnqueueFailureFailsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{
		enqueuer: enqueueFunc(func(context.Context, imaging.WorkItem) error {
			return queuememory.ErrClosed
		}),
		noWorker: true,
	})
	resp, body := h.upload(t, "/upload", "imageFile", "photo.png", rgbPNG(t, 2, 2))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	jobID := body["jobId"].(string)

	_, status := h.status(t, "/upload", jobID)
	require.Equal(t, string(imaging.JobStatusFailed), status["status"])
	require.Equal(t, string(imaging.ErrorKindUnavailable), status["errorKind"])
}

func TestStatusOriginalURLVisibility(t *testing.T) {
	t.Parallel()

	gate := &gatedBlobStore{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOptions{
		noWorker: true,
		blobStore: func(b *memory.BlobStore) imaging.BlobStore {
			gate.next = b
			return gate
		},
	})

	type result struct {
		code int
		body map[string]any
	}
	done := make(chan result, 1)
	body, contentType := multipartBody(t, "imageFile", "photo.png", rgbPNG(t, 2, 2))
	go func() {
		resp, err := http.Post(h.server.URL+"/upload", contentType, body)
		if err != nil {
			done <- result{}
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		done <- result{code: resp.StatusCode, body: out}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("original upload never started")
	}
	jobID := gate.jobID()
	code, during := h.status(t, "/upload", jobID)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, string(imaging.JobStatusProcessing), during["status"])
	require.NotContains(t, during, "originalUrl")

	close(gate.release)
	res := <-done
	require.Equal(t, http.StatusOK, res.code)
	require.Equal(t, jobID, res.body["jobId"])

	_, after := h.status(t, "/upload", jobID)
	require.Equal(t, string(imaging.JobStatusProcessing), after["status"])
	require.Contains(t, after["originalUrl"], "/blobs/original_images/"+jobID)
}

func TestStatusErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, harnessOptions{noWorker: true})

	code, body := h.status(t, "/upload", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "missing job ID", body["error"])
	require.Equal(t, "bad_request", body["code"])

	code, body = h.status(t, "/upload", "00000000-0000-4000-8000-000000000000")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "Invalid or expired job ID", body["error"])
	require.Equal(t, "not_found", body["code"])
}

func TestHealthReadyAndMetrics(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore(uuid.New(), system.New(), memory.JobStoreOptions{})
	var ready error
	var mu sync.Mutex
	server := NewServer(jobs, memory.NewBlobStore(""), queuememory.NewQueue(1), nil, system.New(), nil,
		testConfig(), zap.NewNop(),
		WithReadinessCheck("queue", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			return ready
		}))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	mu.Lock()
	ready = errors.New("queue closed")
	mu.Unlock()
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "queue closed")

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func multipartBody(t *testing.T, field, filename string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func fetch(t *testing.T, url string) []byte {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func rgbPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 25), G: uint8(y * 25), B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type failingBlobStore struct {
	err error
}

func (f failingBlobStore) Store(context.Context, []byte, string, string, string) (string, error) {
	return "", f.err
}

type enqueueFunc func(ctx context.Context, item imaging.WorkItem) error

func (f enqueueFunc) Enqueue(ctx context.Context, item imaging.WorkItem) error {
	return f(ctx, item)
}

type gatedBlobStore struct {
	mu      sync.Mutex
	name    string
	entered chan struct{}
	release chan struct{}
	next    imaging.BlobStore
}

func (g *gatedBlobStore) Store(ctx context.Context, data []byte, folder, name, contentType string) (string, error) {
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
	close(g.entered)
	<-g.release
	return g.next.Store(ctx, data, folder, name, contentType)
}

// jobID recovers the job ID from the object name, which starts with it.
func (g *gatedBlobStore) jobID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := strings.LastIndex(g.name, "-")
	return g.name[:idx]
}
