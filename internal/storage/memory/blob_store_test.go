package memory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("")
	payload := []byte("content")
	uri, err := store.Store(context.Background(), payload, "original_images", "a.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, "memory://original_images/a.png", uri)

	payload[0] = 'C'
	stored, contentType, ok := store.Open("original_images/a.png")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))
	require.Equal(t, "image/png", contentType)
}

func TestBlobStoreRejectsEscapingNames(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("")
	_, err := store.Store(context.Background(), []byte("x"), "", "../etc/passwd", "text/plain")
	require.Error(t, err)
	_, err = store.Store(context.Background(), []byte("x"), "folder", " ", "text/plain")
	require.Error(t, err)
}

func TestBlobStoreHandlerServesPublicURL(t *testing.T) {
	t.Parallel()

	store := NewBlobStore("http://localhost:8080/blobs/")
	uri, err := store.Store(context.Background(), []byte("gray"), "grayscale_images", "b.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/blobs/grayscale_images/b.png", uri)

	srv := httptest.NewServer(http.StripPrefix("/blobs", store.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/blobs/grayscale_images/b.png")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "gray", string(body))

	missing, err := http.Get(srv.URL + "/blobs/grayscale_images/missing.png")
	require.NoError(t, err)
	defer missing.Body.Close() //nolint:errcheck // test cleanup
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}
