package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/client"
	"github.com/JakeFAU/grayscale-jobs/internal/config"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Worker.Concurrency = 2
	cfg.Worker.BackoffInitial = time.Millisecond
	cfg.Worker.BackoffMax = 5 * time.Millisecond
	cfg.Events.FlushInterval = 10 * time.Millisecond
	cfg.Storage.Backend = config.BackendMemory
	cfg.Events.Notify = config.NotifyMemory
	return &cfg
}

func buildApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x * 40), B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBuildServesJobsEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app := buildApp(t, cfg)
	app.Start()

	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	api := client.New(ts.URL)
	jobID, err := api.Submit(ctx, "pixel.png", bytes.NewReader(pngBytes(t)))
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	poller := client.NewPoller(api, 20*time.Millisecond, 5*time.Second, zap.NewNop())
	status, err := poller.Wait(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, imaging.JobStatusCompleted, status.Status)
	assert.True(t, strings.HasPrefix(status.TransformedURL, cfg.Storage.PublicBaseURL+"/"+cfg.Storage.TransformedFolder+"/"),
		"transformed url %q", status.TransformedURL)
	assert.NotEmpty(t, status.OriginalURL)

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCloseDrainsQueuedJobs(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t))
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	api := client.New(ts.URL)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := api.Submit(ctx, "pixel.png", bytes.NewReader(pngBytes(t)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	app.Start()
	require.NoError(t, app.Close(ctx))

	for _, id := range ids {
		status, err := api.Status(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, imaging.JobStatusCompleted, status.Status, "job %s", id)
	}

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = api.Submit(ctx, "pixel.png", bytes.NewReader(pngBytes(t)))
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	app := buildApp(t, testConfig(t))
	app.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}

func TestBuildRejectsUnusableLocalDirectory(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendLocal
	cfg.Storage.Local.BaseDir = file

	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local blob store init failed")
}

func TestNewAppRequiresConfig(t *testing.T) {
	t.Parallel()

	_, err := NewApp(nil, nil)
	require.Error(t, err)
}
