package cloudinary

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	params uploader.UploadParams
	body   []byte
	result *uploader.UploadResult
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error) {
	f.params = params
	if r, ok := file.(io.Reader); ok {
		f.body, _ = io.ReadAll(r)
	}
	return f.result, f.err
}

func TestStoreReturnsSecureURL(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{result: &uploader.UploadResult{
		SecureURL: "https://res.cloudinary.com/demo/image/upload/v1/grayscale_images/job.png",
	}}
	store, err := NewWithUploader(up)
	require.NoError(t, err)

	uri, err := store.Store(context.Background(), []byte("img"), "grayscale_images", "job.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, "https://res.cloudinary.com/demo/image/upload/v1/grayscale_images/job.png", uri)
	require.Equal(t, "grayscale_images", up.params.Folder)
	require.Equal(t, "job", up.params.PublicID)
	require.Equal(t, "image", up.params.ResourceType)
	require.Equal(t, "img", string(up.body))
}

func TestStoreSurfacesAPIError(t *testing.T) {
	t.Parallel()

	up := &fakeUploader{result: &uploader.UploadResult{Error: api.ErrorResp{Message: "Invalid image file"}}}
	store, err := NewWithUploader(up)
	require.NoError(t, err)

	_, err = store.Store(context.Background(), []byte("img"), "original_images", "a.png", "image/png")
	require.ErrorContains(t, err, "Invalid image file")
}

func TestStoreWrapsTransportError(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: i/o timeout")
	store, err := NewWithUploader(&fakeUploader{err: cause})
	require.NoError(t, err)

	_, err = store.Store(context.Background(), []byte("img"), "original_images", "a.png", "image/png")
	require.ErrorIs(t, err, cause)
}

func TestStoreRejectsMissingURL(t *testing.T) {
	t.Parallel()

	store, err := NewWithUploader(&fakeUploader{result: &uploader.UploadResult{}})
	require.NoError(t, err)
	_, err = store.Store(context.Background(), []byte("img"), "f", "a.png", "image/png")
	require.Error(t, err)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := New(Config{CloudName: "demo"})
	require.Error(t, err)
	_, err = NewWithUploader(nil)
	require.Error(t, err)
}
